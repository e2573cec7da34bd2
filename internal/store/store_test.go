package store

import (
	"strings"
	"testing"
)

func TestBuildSearchQueryOrdersAllKeyColumns(t *testing.T) {
	q, args := buildSearchQuery("81", "Brat", "SK", "", nil, 11)
	if !strings.Contains(q, "ORDER BY postal_code ASC, place_name ASC, priority ASC") {
		t.Fatalf("search must order by the full sort key, got:\n%s", q)
	}
	if len(args) != 4 {
		t.Fatalf("args=%d, want postal, city, country, limit", len(args))
	}
	if args[len(args)-1] != 11 {
		t.Fatalf("limit arg=%v, want limit+1 passthrough", args[len(args)-1])
	}
}

func TestBuildSearchQueryCursorSeeksByRowComparison(t *testing.T) {
	cur := &Cursor{PostalCode: "81102", PlaceName: "Bratislava", Priority: 2}
	q, args := buildSearchQuery("", "", "", "S", cur, 6)
	if !strings.Contains(q, "(postal_code, place_name, priority) >") {
		t.Fatalf("cursor must push a row-comparison seek predicate, got:\n%s", q)
	}
	if strings.Contains(q, "OFFSET") {
		t.Fatal("keyset pagination must not use OFFSET")
	}
	// 前缀 + 游标三键 + limit
	if len(args) != 5 {
		t.Fatalf("args=%d, want 5", len(args))
	}
}

func TestBuildSearchQueryCountryVariants(t *testing.T) {
	q, _ := buildSearchQuery("", "Ber", "DE", "", nil, 2)
	if !strings.Contains(q, "country_code = $") {
		t.Fatalf("exact variant must filter precisely, got:\n%s", q)
	}
	q, _ = buildSearchQuery("", "Ber", "", "D", nil, 2)
	if !strings.Contains(q, "country_code LIKE $") {
		t.Fatalf("general variant must use a prefix filter, got:\n%s", q)
	}
}

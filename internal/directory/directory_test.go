package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/store"
)

// mockStore implements Store over a fixed dataset with call counters
type mockStore struct {
	countries []store.CountryRow
	formats   map[string][2]string
	locations []store.LocationRow

	countryCalls int
	formatCalls  int
	existsCalls  int
	exactCalls   int
	generalCalls int

	lastPrefix string
	queryErr   error
	pingErr    error
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) QueryCountries(ctx context.Context) ([]store.CountryRow, error) {
	m.countryCalls++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	out := append([]store.CountryRow{}, m.countries...)
	sort.Slice(out, func(i, j int) bool { return out[i].NameEN < out[j].NameEN })
	return out, nil
}

func (m *mockStore) QueryPostalFormat(ctx context.Context, code string) (string, string, bool, error) {
	m.formatCalls++
	if m.queryErr != nil {
		return "", "", false, m.queryErr
	}
	f, ok := m.formats[code]
	if !ok {
		return "", "", false, nil
	}
	return f[0], f[1], true, nil
}

func (m *mockStore) QueryLocationExists(ctx context.Context, postal, city, country string) (bool, error) {
	m.existsCalls++
	if m.queryErr != nil {
		return false, m.queryErr
	}
	rows := m.filter(postal, city, country, "")
	return len(rows) > 0, nil
}

func keyLess(a, b store.LocationRow) bool {
	if a.PostalCode != b.PostalCode {
		return a.PostalCode < b.PostalCode
	}
	if a.PlaceName != b.PlaceName {
		return a.PlaceName < b.PlaceName
	}
	return a.Priority < b.Priority
}

func (m *mockStore) filter(postal, city, exact, prefix string) []store.LocationRow {
	var out []store.LocationRow
	for _, l := range m.locations {
		if postal != "" && !strings.HasPrefix(strings.ToLower(l.PostalCode), strings.ToLower(postal)) {
			continue
		}
		if city != "" && !strings.HasPrefix(strings.ToLower(l.PlaceName), strings.ToLower(city)) {
			continue
		}
		if exact != "" && l.CountryCode != exact {
			continue
		}
		if prefix != "" && !strings.HasPrefix(l.CountryCode, prefix) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })
	return out
}

func (m *mockStore) seek(rows []store.LocationRow, cur *store.Cursor, limitPlus1 int) []store.LocationRow {
	if cur != nil {
		after := store.LocationRow{PostalCode: cur.PostalCode, PlaceName: cur.PlaceName, Priority: cur.Priority}
		var rest []store.LocationRow
		for _, l := range rows {
			if keyLess(after, l) {
				rest = append(rest, l)
			}
		}
		rows = rest
	}
	if len(rows) > limitPlus1 {
		rows = rows[:limitPlus1]
	}
	return rows
}

func (m *mockStore) QuerySearchByCountryExact(ctx context.Context, postal, city, country string, cur *store.Cursor, limitPlus1 int) ([]store.LocationRow, error) {
	m.exactCalls++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.seek(m.filter(postal, city, country, ""), cur, limitPlus1), nil
}

func (m *mockStore) QuerySearchGeneral(ctx context.Context, postal, city, countryPrefix string, cur *store.Cursor, limitPlus1 int) ([]store.LocationRow, error) {
	m.generalCalls++
	m.lastPrefix = countryPrefix
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.seek(m.filter(postal, city, "", countryPrefix), cur, limitPlus1), nil
}

func fixtureStore() *mockStore {
	return &mockStore{
		countries: []store.CountryRow{
			{Code: "SK", NameEN: "Slovakia", NameLocal: "Slovensko"},
			{Code: "CZ", NameEN: "Czechia", NameLocal: "Česko"},
			{Code: "DE", NameEN: "Germany", NameLocal: "Deutschland"},
		},
		formats: map[string][2]string{
			"SK": {"### ##", `^\d{3} ?\d{2}$`},
		},
		locations: []store.LocationRow{
			{CountryCode: "SK", PostalCode: "81101", PlaceName: "Bratislava", Priority: 1},
			{CountryCode: "SK", PostalCode: "81102", PlaceName: "Bratislava", Priority: 2},
			{CountryCode: "SK", PostalCode: "81103", PlaceName: "Bratislava", Priority: 3},
			{CountryCode: "SK", PostalCode: "82101", PlaceName: "Ruzinov", Priority: 1},
			{CountryCode: "SK", PostalCode: "90001", PlaceName: "Modra", Priority: 1},
			{CountryCode: "CZ", PostalCode: "11000", PlaceName: "Praha", Priority: 1},
			{CountryCode: "DE", PostalCode: "10115", PlaceName: "Berlin", Priority: 1},
		},
	}
}

func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	res, err := e.Search(context.Background(), SearchQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 0 || res.HasMore {
		t.Fatalf("want empty result without has-more, got %d/%v", len(res.Results), res.HasMore)
	}
	if ms.exactCalls+ms.generalCalls != 0 {
		t.Fatalf("store must not be touched, got %d calls", ms.exactCalls+ms.generalCalls)
	}
}

func TestSearchIgnoredCountryAloneShortCircuits(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	// 三字符国家码不构成过滤条件，且无其他条件
	res, err := e.Search(context.Background(), SearchQuery{CountryCode: "SVK", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 0 || ms.exactCalls+ms.generalCalls != 0 {
		t.Fatalf("want short-circuit, got rows=%d calls=%d", len(res.Results), ms.exactCalls+ms.generalCalls)
	}
}

func TestSearchLimitValidation(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	for _, limit := range []int{0, e.maxLimit + 1} {
		_, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: limit})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("limit=%d: want ValidationError, got %v", limit, err)
		}
	}
	if ms.exactCalls+ms.generalCalls != 0 {
		t.Fatal("validation must reject before any store access")
	}
	if _, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: e.maxLimit}); err != nil {
		t.Fatalf("limit=max must pass, got %v", err)
	}
}

func TestSearchCountryVariants(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	if _, err := e.Search(context.Background(), SearchQuery{CountryCode: "sk", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if ms.exactCalls != 1 || ms.generalCalls != 0 {
		t.Fatalf("two-letter code must use exact variant, exact=%d general=%d", ms.exactCalls, ms.generalCalls)
	}

	if _, err := e.Search(context.Background(), SearchQuery{CountryCode: "s", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if ms.generalCalls != 1 || ms.lastPrefix != "S" {
		t.Fatalf("one-letter code must become upper prefix in general variant, general=%d prefix=%q", ms.generalCalls, ms.lastPrefix)
	}

	if _, err := e.Search(context.Background(), SearchQuery{CountryCode: "svk", PostalCode: "1", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if ms.generalCalls != 2 || ms.lastPrefix != "" {
		t.Fatalf("longer code must be ignored as a filter, general=%d prefix=%q", ms.generalCalls, ms.lastPrefix)
	}
}

func TestPaginationCompleteness(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	var collected []store.LocationRow
	q := SearchQuery{CountryCode: "SK", Limit: 2}
	pages := 0
	for {
		res, err := e.Search(context.Background(), q)
		if err != nil {
			t.Fatal(err)
		}
		pages++
		collected = append(collected, res.Results...)
		if !res.HasMore {
			break
		}
		last := res.Results[len(res.Results)-1]
		prio := last.Priority
		q.CursorPostal = last.PostalCode
		q.CursorPlace = last.PlaceName
		q.CursorPriority = &prio
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	want := ms.filter("", "", "SK", "")
	if len(collected) != len(want) {
		t.Fatalf("collected %d rows over %d pages, want %d", len(collected), pages, len(want))
	}
	for i := range want {
		if collected[i] != want[i] {
			t.Fatalf("row %d mismatch: got %+v want %+v", i, collected[i], want[i])
		}
	}
	if pages != 3 {
		t.Fatalf("pages=%d, want 3 for 5 rows at limit 2", pages)
	}
}

func TestPartialCursorTreatedAsAbsent(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	full, err := e.Search(context.Background(), SearchQuery{CountryCode: "SK", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	partial, err := e.Search(context.Background(), SearchQuery{CountryCode: "SK", Limit: 2, CursorPostal: "81101"})
	if err != nil {
		t.Fatal(err)
	}
	if len(partial.Results) != len(full.Results) || partial.Results[0] != full.Results[0] {
		t.Fatal("partial cursor must behave like no cursor")
	}
}

func TestListCountriesCachedAndFiltered(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	all, err := e.ListCountries(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].NameEN != "Czechia" {
		t.Fatalf("want 3 countries sorted by English name, got %+v", all)
	}
	if _, err := e.ListCountries(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if ms.countryCalls != 1 {
		t.Fatalf("second call must be served from cache, store calls=%d", ms.countryCalls)
	}

	// 子串过滤大小写不敏感，英文名与本地名皆参与匹配
	got, err := e.ListCountries(context.Background(), "slovens")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Code != "SK" {
		t.Fatalf("local-name filter: got %+v", got)
	}
}

func TestGetPostalFormat(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	pf, ok, err := e.GetPostalFormat(context.Background(), " sk ")
	if err != nil || !ok {
		t.Fatalf("want hit after normalization, ok=%v err=%v", ok, err)
	}
	if pf.Pattern != "### ##" {
		t.Fatalf("pattern=%q", pf.Pattern)
	}
	if _, _, err := e.GetPostalFormat(context.Background(), "SK"); err != nil {
		t.Fatal(err)
	}
	if ms.formatCalls != 1 {
		t.Fatalf("second lookup must hit cache, store calls=%d", ms.formatCalls)
	}

	_, ok, err = e.GetPostalFormat(context.Background(), "XX")
	if err != nil {
		t.Fatalf("missing format is not an error: %v", err)
	}
	if ok {
		t.Fatal("unknown country must report ok=false")
	}
}

func TestListCountriesCallerMutationDoesNotCorruptCache(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	all, err := e.ListCountries(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	all[0] = store.CountryRow{Code: "XX", NameEN: "Mutated"}

	again, err := e.ListCountries(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Code != "CZ" {
		t.Fatalf("cached dictionary corrupted by caller mutation: %+v", again[0])
	}
	if ms.countryCalls != 1 {
		t.Fatalf("mutation check must not force a refetch, calls=%d", ms.countryCalls)
	}
}

func TestUnhealthyEngineDoesNotServeFormatCacheHits(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	if _, ok, err := e.GetPostalFormat(context.Background(), "SK"); err != nil || !ok {
		t.Fatalf("warm-up lookup failed, ok=%v err=%v", ok, err)
	}

	ms.queryErr = errors.New("connection refused")
	if _, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: 5}); err == nil {
		t.Fatal("want store failure")
	}

	// 故障期间缓存命中不得掩盖探测失败
	ms.pingErr = errors.New("still down")
	if _, _, err := e.GetPostalFormat(context.Background(), "SK"); err == nil {
		t.Fatal("cache hit must not mask a failed probe")
	}

	// 探测恢复后缓存命中照常生效，不触发回源
	ms.pingErr = nil
	pf, ok, err := e.GetPostalFormat(context.Background(), "SK")
	if err != nil || !ok {
		t.Fatalf("recovered lookup failed, ok=%v err=%v", ok, err)
	}
	if pf.Pattern != "### ##" {
		t.Fatalf("pattern=%q", pf.Pattern)
	}
	if ms.formatCalls != 1 {
		t.Fatalf("recovered hit must be served from cache, store calls=%d", ms.formatCalls)
	}
}

func TestCacheEntriesReflectsReferenceSlots(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	if e.CacheEntries() != 0 {
		t.Fatalf("fresh engine must report 0 slots, got %d", e.CacheEntries())
	}
	if _, err := e.ListCountries(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.GetPostalFormat(context.Background(), "SK"); err != nil {
		t.Fatal(err)
	}
	if e.CacheEntries() != 2 {
		t.Fatalf("want 2 cached slots, got %d", e.CacheEntries())
	}
}

func TestCheckExists(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)
	ok, err := e.CheckExists(context.Background(), "811", "", "sk")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ms.existsCalls != 1 {
		t.Fatalf("exists probe must be a single round trip, calls=%d", ms.existsCalls)
	}
}

func TestStoreFailureFlipsHealthAndProbeRecovers(t *testing.T) {
	ms := fixtureStore()
	e := New(ms, time.Minute)

	ms.queryErr = errors.New("connection reset")
	if _, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: 5}); err == nil {
		t.Fatal("want store failure")
	}
	if e.Healthy() {
		t.Fatal("failure must flip healthy=false")
	}

	// 探测失败时错误直接上抛，不做内部重试
	ms.pingErr = errors.New("still down")
	if _, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: 5}); err == nil {
		t.Fatal("probe failure must propagate")
	}

	ms.pingErr = nil
	ms.queryErr = nil
	if _, err := e.Search(context.Background(), SearchQuery{PostalCode: "8", Limit: 5}); err != nil {
		t.Fatalf("recovered store must serve again: %v", err)
	}
	if !e.Healthy() {
		t.Fatal("successful probe must flip healthy=true")
	}
}

// 包 api：集中注册 HTTP API 路由以解耦主入口；仅做参数解析与编码，业务逻辑全部在引擎内
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/directory"
	"github.com/fegydm/sendeliver-sub000/internal/fleet"
	"github.com/fegydm/sendeliver-sub000/internal/maps"
	"github.com/fegydm/sendeliver-sub000/internal/store"
)

// writeJSON：统一 JSON 输出头；结果随参考数据变化，禁止中间层缓存
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr：校验错误回 400 并附原文，其余一律 500 通用失败
func writeErr(w http.ResponseWriter, err error) {
	var ve *directory.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal failure"})
}

// parseBBox：解析 minLon,minLat,maxLon,maxLat；格式不符返回 nil 按无包围盒处理
func parseBBox(s string) *store.BBox {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		vals[i] = f
	}
	return &store.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
}

// 构建并返回 API 路由：独立 ServeMux 便于在主入口挂载到前缀之下
func BuildRoutes(dir *directory.Engine, fl *fleet.Matcher, mp *maps.Renderer, st *store.Store) *http.ServeMux {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("GET /countries", func(w http.ResponseWriter, r *http.Request) {
		rows, err := dir.ListCountries(r.Context(), r.URL.Query().Get("filter"))
		if err != nil {
			writeErr(w, err)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for _, c := range rows {
			out = append(out, map[string]any{
				"countryCode": c.Code,
				"nameEnglish": c.NameEN,
				"nameLocal":   c.NameLocal,
				"nameNative":  c.NameNative,
				"priority":    c.Priority,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	apiMux.HandleFunc("GET /postal-format", func(w http.ResponseWriter, r *http.Request) {
		pf, ok, err := dir.GetPostalFormat(r.Context(), r.URL.Query().Get("country"))
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no postal format"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"pattern": pf.Pattern, "regex": pf.Regex})
	})

	apiMux.HandleFunc("GET /location-exists", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		exists, err := dir.CheckExists(r.Context(), q.Get("postal"), q.Get("city"), q.Get("country"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
	})

	apiMux.HandleFunc("GET /location-search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sq := directory.SearchQuery{
			PostalCode:   q.Get("postal"),
			City:         q.Get("city"),
			CountryCode:  q.Get("country"),
			Limit:        dir.DefaultLimit(),
			CursorPostal: q.Get("cursor_postal"),
			CursorPlace:  q.Get("cursor_place"),
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				writeErr(w, &directory.ValidationError{Msg: "limit must be an integer"})
				return
			}
			sq.Limit = n
		}
		if s := q.Get("cursor_priority"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				sq.CursorPriority = &n
			}
		}
		res, err := dir.Search(r.Context(), sq)
		if err != nil {
			writeErr(w, err)
			return
		}
		out := make([]map[string]any, 0, len(res.Results))
		for _, l := range res.Results {
			out = append(out, map[string]any{
				"countryCode": l.CountryCode,
				"postalCode":  l.PostalCode,
				"placeName":   l.PlaceName,
				"latitude":    l.Latitude,
				"longitude":   l.Longitude,
				"priority":    l.Priority,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out, "hasMore": res.HasMore})
	})

	apiMux.HandleFunc("GET /fleet-search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			writeErr(w, &directory.ValidationError{Msg: "lat/lon must be numbers"})
			return
		}
		req := fleet.MatchRequest{PickupLat: lat, PickupLon: lon}
		if s := q.Get("pickup_at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeErr(w, &directory.ValidationError{Msg: "pickup_at must be RFC3339"})
				return
			}
			req.PickupAt = &t
		}
		if s := q.Get("pallets"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				req.Pallets = n
			}
		}
		if s := q.Get("weight_kg"); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
				req.WeightKG = f
			}
		}
		res, err := fl.SearchVehicles(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"matches": res.Matches,
			"matched": len(res.Matches),
			"total":   res.TotalCandidates,
		})
	})

	apiMux.HandleFunc("GET /map/boundaries", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		zoom := 0
		if s := q.Get("zoom"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				zoom = n
			}
		}
		b, err := mp.Boundaries(r.Context(), zoom, parseBBox(q.Get("bbox")))
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("content-type", "application/geo+json; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(b)
	})

	apiMux.HandleFunc("GET /map/tile/{kind}/{z}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		z, errZ := strconv.Atoi(r.PathValue("z"))
		x, errX := strconv.Atoi(r.PathValue("x"))
		y, errY := strconv.Atoi(r.PathValue("y"))
		if errZ != nil || errX != nil || errY != nil {
			writeErr(w, &directory.ValidationError{Msg: "tile coordinates must be integers"})
			return
		}
		b, err := mp.Tile(r.Context(), r.PathValue("kind"), z, x, y)
		if err != nil {
			writeErr(w, err)
			return
		}
		// 空内容以 204 表达，与零长度缓冲的“无内容”语义对应
		if len(b) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("content-type", "application/vnd.mapbox-vector-tile")
		_, _ = w.Write(b)
	})

	apiMux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		storeOK := st.Ping(r.Context()) == nil
		body := map[string]any{
			"store":     storeOK,
			"directory": dir.Healthy(),
			"fleet":     fl.Healthy(),
			"maps":      mp.Healthy(),
		}
		code := http.StatusOK
		if !storeOK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	})

	return apiMux
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"matryoshka/internal/dsl"
	"matryoshka/internal/nested"
	"matryoshka/internal/relation"
	"matryoshka/internal/store"

	"github.com/gin-gonic/gin"
)

// renderRecord — плоский ответ, с вложенными связями если запрошен ?expand=
func renderRecord(s *Server, c *gin.Context, fqn string, rec *store.Record) map[string]any {
	paths := parseExpand(c.Query("expand"), s.St, fqn)
	if len(paths) == 0 {
		return flatten(rec)
	}
	return expandRecord(s.St, fqn, rec, paths)
}

// POST /api/:module/:entity
// Payload может нести вложенные связи любой глубины — весь граф
// сохраняется одним вызовом движка, атомарно.
func CreateHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawModule := c.Param("module")
		rawEntity := c.Param("entity")
		fqn, ok := s.St.NormalizeEntityName(rawModule, rawEntity)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"errors": []FieldError{ferr(nested.ErrTypeMismatch, "entity", "Entity not found")},
			})
			return
		}

		var obj map[string]interface{}
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		rec, err := s.Eng.Create(fqn, obj, nil, requestContext(c, false))
		if err != nil {
			respondSaveError(c, err)
			return
		}
		c.JSON(http.StatusCreated, renderRecord(s, c, fqn, rec))
	}
}

// GET /api/:module/:entity
func ListHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		schema := s.St.Schemas[fqn]

		all := s.St.All(fqn)

		// 1) фильтры с операторами
		filtered := filterWithOps(all, schema, c.Request.URL.Query())

		// 2) сортировка/пагинация
		lp := parseListParams(c.Request.URL.Query()) // limit/offset/sort/q
		if len(lp.Sort) > 0 {
			sortRecordsMultiNulls(filtered, lp.Sort, lp.Nulls)
		}

		start := lp.Offset
		if start < 0 {
			start = 0
		}
		end := start + lp.Limit
		if start > len(filtered) {
			start = len(filtered)
		}
		if end > len(filtered) {
			end = len(filtered)
		}
		page := filtered[start:end]

		// 3) ответ — «плоский» + total в заголовке
		out := make([]map[string]any, 0, len(page))
		for _, rec := range page {
			out = append(out, renderRecord(s, c, fqn, rec))
		}
		c.Header("X-Total-Count", strconv.Itoa(len(filtered)))
		c.JSON(http.StatusOK, out)
	}
}

// GET /api/:module/:entity/:id
func GetOneHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		rec, err := s.St.Get(fqn, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		c.Header("ETag", fmt.Sprintf(`"%d"`, rec.Version))
		c.JSON(http.StatusOK, renderRecord(s, c, fqn, rec))
	}
}

// PUT /api/:module/:entity/:id
// Обновление графа: вложенные коллекции сверяются с присланными,
// отставшие дети удаляются. Плоские поля применяются поверх текущих
// данных на каждом уровне: опущенное поле сохраняет прежнее значение,
// сбрасывается оно только явным null. От PATCH отличается тем, что
// required-поля обязаны присутствовать в payload'е.
func UpdateHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		updateCommon(s, c, false)
	}
}

// PATCH /api/:module/:entity/:id
func UpdatePartialHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		updateCommon(s, c, true)
	}
}

func updateCommon(s *Server, c *gin.Context, partial bool) {
	mod := c.Param("module")
	ent := c.Param("entity")
	id := c.Param("id")

	fqn, ok := s.St.NormalizeEntityName(mod, ent)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
		return
	}

	var obj map[string]any
	if err := c.ShouldBindJSON(&obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	// читаем ожидаемую версию ДО того, как движок уберёт version из payload
	expVer, okExp := readExpectedVersion(c, obj)

	cur, err := s.St.Get(fqn, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	if !okExp || expVer != cur.Version {
		c.JSON(http.StatusConflict, gin.H{
			"errors": []FieldError{ferr(nested.ErrVersionConflict, "version",
				fmt.Sprintf("expected version %d", cur.Version))},
		})
		return
	}

	rec, err := s.Eng.Update(fqn, id, obj, nil, requestContext(c, partial))
	if err != nil {
		respondSaveError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderRecord(s, c, fqn, rec))
}

// DELETE /api/:module/:entity/:id  (soft delete)
// Политики on_delete входящих ссылок идут по реестру связей:
// restrict блокирует, set_null зануляет FK, cascade гасит ссылающихся.
func DeleteHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		type hit struct {
			d   *relation.Descriptor
			ids []string
		}
		var toNull, toCascade []hit

		for _, d := range s.St.Registry.Incoming(fqn) {
			if d.Kind != relation.DirectRef {
				continue
			}
			refs := s.St.FindByField(d.Parent, d.Field, id)
			if len(refs) == 0 {
				continue
			}
			switch d.OnDelete {
			case "set_null":
				toNull = append(toNull, hit{d, refs})
			case "cascade":
				toCascade = append(toCascade, hit{d, refs})
			default: // restrict
				c.JSON(http.StatusConflict, gin.H{
					"errors": []FieldError{{
						Code:    "fk_in_use",
						Field:   d.Field,
						Message: fmt.Sprintf("record is referenced by %s.%s", d.Parent, d.Field),
					}},
				})
				return
			}
		}

		for _, h := range toNull {
			for _, rid := range h.ids {
				_, _ = s.St.Merge(h.d.Parent, rid, -1, map[string]any{h.d.Field: nil})
			}
		}
		for _, h := range toCascade {
			for _, rid := range h.ids {
				_ = s.St.SoftDelete(h.d.Parent, rid)
			}
		}

		if err := s.St.SoftDelete(fqn, id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// /api/meta/lookup/:module/:entity?field=name&q=iva&limit=10
func LookupHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		field := c.DefaultQuery("field", "name")
		q := strings.TrimSpace(c.DefaultQuery("q", ""))
		limitStr := c.DefaultQuery("limit", "10")
		limit, _ := strconv.Atoi(limitStr)
		if limit <= 0 || limit > 100 {
			limit = 10
		}

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		type Row struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		}
		out := make([]Row, 0, limit)

		ql := strings.ToLower(q)
		for _, r := range s.St.All(fqn) {
			val := toString(r.Data[field])
			if ql == "" || strings.Contains(strings.ToLower(val), ql) {
				out = append(out, Row{ID: r.ID, Label: val})
				if len(out) >= limit {
					break
				}
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

func CountHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		schema := s.St.Schemas[fqn]

		filtered := filterWithOps(s.St.All(fqn), schema, c.Request.URL.Query())
		c.JSON(http.StatusOK, gin.H{"total": len(filtered)})
	}
}

func RestoreHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		rec, err := s.St.Restore(fqn, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		c.JSON(http.StatusOK, flatten(rec))
	}
}

func BulkCreateHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var items []map[string]any
		if err := c.ShouldBindJSON(&items); err != nil || len(items) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON array"})
			return
		}

		ctx := requestContext(c, false)
		results := make([]any, 0, len(items))
		for _, obj := range items {
			rec, err := s.Eng.Create(fqn, obj, nil, ctx)
			if err != nil {
				results = append(results, gin.H{"errors": saveErrorBody(err)})
				continue
			}
			results = append(results, flatten(rec))
		}

		// смешанные результаты — 207 Multi-Status
		c.JSON(http.StatusMultiStatus, results)
	}
}

// saveErrorBody — тело ошибки для поэлементных bulk-ответов
func saveErrorBody(err error) any {
	if ve, ok := err.(*nested.ValidationError); ok {
		return ve.Tree
	}
	return []FieldError{ferr("internal", "", err.Error())}
}

func BulkPatchHandler(s *Server) gin.HandlerFunc {
	type itemReq struct {
		ID      string         `json:"id"`
		Patch   map[string]any `json:"patch"`
		Version *int64         `json:"version,omitempty"` // per-item version hint
	}
	type legacyReq struct {
		IDs   []string       `json:"ids"`
		Patch map[string]any `json:"patch"`
	}

	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		// Разбираем либо массив itemReq, либо legacy {ids, patch}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
			return
		}
		var items []itemReq
		if err := json.Unmarshal(body, &items); err != nil {
			var lr legacyReq
			if err := json.Unmarshal(body, &lr); err != nil || len(lr.IDs) == 0 || lr.Patch == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected [{id, patch}] or {ids:[], patch:{}}"})
				return
			}
			for _, id := range lr.IDs {
				id = strings.TrimSpace(id)
				if id == "" {
					continue
				}
				// копия patch на каждый элемент
				p := make(map[string]any, len(lr.Patch))
				for k, v := range lr.Patch {
					p[k] = v
				}
				items = append(items, itemReq{ID: id, Patch: p})
			}
		}
		for _, it := range items {
			if it.ID == "" || it.Patch == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Each item must have id and patch"})
				return
			}
		}

		ctx := requestContext(c, true)
		results := make([]any, 0, len(items))

		for _, it := range items {
			cur, err := s.St.Get(fqn, it.ID)
			if err != nil {
				results = append(results, gin.H{"id": it.ID,
					"errors": []FieldError{ferr(nested.ErrNotFound, "id", "Record not found")}})
				continue
			}

			// версия: приоритет — поле version элемента, затем patch["version"]
			expVer, haveVer := readExpectedVersion(c, it.Patch)
			if it.Version != nil {
				expVer = *it.Version
				haveVer = true
			}
			if !haveVer || expVer != cur.Version {
				results = append(results, gin.H{"id": it.ID,
					"errors": []FieldError{ferr(nested.ErrVersionConflict, "version",
						fmt.Sprintf("expected version %d", cur.Version))}})
				continue
			}

			rec, err := s.Eng.Update(fqn, it.ID, it.Patch, nil, ctx)
			if err != nil {
				results = append(results, gin.H{"id": it.ID, "errors": saveErrorBody(err)})
				continue
			}
			results = append(results, flatten(rec))
		}

		// 207 Multi-Status — для смешанных результатов
		c.JSON(http.StatusMultiStatus, results)
	}
}

func BulkDeleteHandler(s *Server) gin.HandlerFunc {
	type req struct {
		IDs []string `json:"ids"`
	}
	type res struct {
		ID     string       `json:"id,omitempty"`
		Errors []FieldError `json:"errors,omitempty"`
	}
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var body req
		if err := c.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected {ids:[]}"})
			return
		}

		results := make([]any, 0, len(body.IDs))
		for _, id := range body.IDs {
			// FK-protect: запрет удаления, если на запись есть ссылки
			if refEnt, refField, inUse := s.St.FindIncomingRefs(fqn, id); inUse {
				results = append(results, res{
					ID: id,
					Errors: []FieldError{{
						Code:    "fk_in_use",
						Field:   refField,
						Message: fmt.Sprintf("record is referenced by %s.%s", refEnt, refField),
					}},
				})
				continue
			}

			if err := s.St.SoftDelete(fqn, id); err != nil {
				results = append(results, res{
					ID:     id,
					Errors: []FieldError{ferr(nested.ErrNotFound, "id", "Record not found")},
				})
				continue
			}
			results = append(results, gin.H{"id": id})
		}

		c.JSON(http.StatusMultiStatus, results) // 207, как в bulk create
	}
}

func BulkRestoreHandler(s *Server) gin.HandlerFunc {
	type req struct {
		IDs []string `json:"ids"`
	}
	type res struct {
		ID     string       `json:"id,omitempty"`
		Errors []FieldError `json:"errors,omitempty"`
	}
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		var body req
		if err := c.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON: expected {ids:[]}"})
			return
		}

		results := make([]any, 0, len(body.IDs))
		for _, id := range body.IDs {
			if _, err := s.St.Restore(fqn, id); err != nil {
				results = append(results, res{
					ID:     id,
					Errors: []FieldError{ferr(nested.ErrNotFound, "id", "Record not found")},
				})
				continue
			}
			results = append(results, gin.H{"id": id})
		}

		c.JSON(http.StatusMultiStatus, results)
	}
}

// ==== Фильтры с операторами (field__op=...) ====

type filterCond struct {
	field string
	op    string // eq, in, gt, gte, lt, lte
	vals  []string
}

// parse list conditions from query, like:
//
//	status__in=Draft,Booked
//	amount__gte=1000
//	date__lte=2025-01-31
func buildConds(q url.Values) []filterCond {
	var out []filterCond
	for key, vals := range q {
		switch key {
		case "q", "offset", "limit", "sort", "order",
			"_offset", "_limit", "_sort", "_order",
			"nulls", "expand":
			continue
		}
		if len(vals) == 0 {
			continue
		}
		// key can be: field or field__op
		field := key
		op := "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field = key[:i]
			op = key[i+2:]
		}
		v := vals[0]
		if strings.HasPrefix(v, "in:") {
			op = "in"
			v = strings.TrimPrefix(v, "in:")
		}
		var parts []string
		if op == "in" {
			for _, p := range strings.Split(v, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					parts = append(parts, p)
				}
			}
		} else {
			parts = []string{v}
		}
		if field != "" && len(parts) > 0 {
			out = append(out, filterCond{field: field, op: op, vals: parts})
		}
	}
	return out
}

func fieldTypeOf(schema *dsl.Entity, name string) string {
	for _, f := range schema.Fields {
		if f.Name == name {
			// нормализуем enum к "enum"
			if strings.HasPrefix(f.Type, "enum") || len(f.Enum) > 0 {
				return "enum"
			}
			return f.Type
		}
	}
	return "" // неизвестное поле
}

func compareByType(ft string, got any, op string, want string) bool {
	// равенство/IN для всего — сравниваем строковые представления
	toS := func(v any) string {
		switch t := v.(type) {
		case string:
			return t
		default:
			return fmt.Sprint(t)
		}
	}

	switch op {
	case "eq":
		return strings.EqualFold(toS(got), want)
	case "in":
		gs := toS(got)
		for _, w := range strings.Split(want, ",") {
			if strings.EqualFold(gs, strings.TrimSpace(w)) {
				return true
			}
		}
		return false
	}

	// сравнения — только для чисел и дат
	switch ft {
	case "int", "float", "money":
		parse := func(s string) (float64, bool) {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return f, err == nil
		}
		var gv float64
		switch x := got.(type) {
		case float64:
			gv = x
		case int, int32, int64:
			gv = float64(reflect.ValueOf(x).Int())
		case string:
			if f, ok := parse(x); ok {
				gv = f
			} else {
				return false
			}
		default:
			return false
		}
		wv, ok := parse(want)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return gv > wv
		case "gte":
			return gv >= wv
		case "lt":
			return gv < wv
		case "lte":
			return gv <= wv
		default:
			return false
		}

	case "date", "datetime":
		layout := "2006-01-02"
		if ft == "datetime" {
			layout = time.RFC3339
		}
		wd, err1 := time.Parse(layout, strings.TrimSpace(want))
		var gd time.Time
		switch x := got.(type) {
		case string:
			d, err := time.Parse(layout, x)
			if err != nil {
				return false
			}
			gd = d
		default:
			return false
		}
		if err1 != nil {
			return false
		}
		switch op {
		case "gt":
			return gd.After(wd)
		case "gte":
			return !gd.Before(wd)
		case "lt":
			return gd.Before(wd)
		case "lte":
			return !gd.After(wd)
		case "eq":
			return gd.Equal(wd)
		default:
			return false
		}
	}

	// неизвестный тип/оператор — не совпало
	return false
}

func filterWithOps(all []*store.Record, schema *dsl.Entity, q url.Values) []*store.Record {
	conds := buildConds(q)
	if len(conds) == 0 && q.Get("q") == "" {
		return all
	}
	out := make([]*store.Record, 0, len(all))
	needle := strings.ToLower(strings.TrimSpace(q.Get("q")))

loopRecs:
	for _, r := range all {
		// 1) операторы по полям
		for _, cnd := range conds {
			ft := fieldTypeOf(schema, cnd.field)
			if ft == "" {
				// неизвестное поле — считаем, что не матчится
				continue loopRecs
			}
			got := r.Data[cnd.field]
			switch cnd.op {
			case "eq":
				if !compareByType(ft, got, "eq", cnd.vals[0]) {
					continue loopRecs
				}
			case "in":
				if !compareByType(ft, got, "in", strings.Join(cnd.vals, ",")) {
					continue loopRecs
				}
			case "gt", "gte", "lt", "lte":
				if !compareByType(ft, got, cnd.op, cnd.vals[0]) {
					continue loopRecs
				}
			default:
				continue loopRecs
			}
		}
		// 2) полнотекстовый q по строковым полям
		if needle != "" {
			found := false
			for _, v := range r.Data {
				if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// readExpectedVersion читает ожидаемую версию из If-Match либо из payload["version"] (число).
func readExpectedVersion(c *gin.Context, payload map[string]any) (int64, bool) {
	// 1) If-Match: допускаем просто число (например, "3")
	ifMatch := strings.TrimSpace(c.GetHeader("If-Match"))
	if ifMatch != "" {
		// уберём кавычки/weak-префикс вида W/"3"
		if strings.HasPrefix(ifMatch, "W/") {
			ifMatch = strings.TrimPrefix(ifMatch, "W/")
		}
		ifMatch = strings.Trim(ifMatch, `"'`)
		if v, err := strconv.ParseInt(ifMatch, 10, 64); err == nil {
			return v, true
		}
	}
	// 2) из тела: "version": <int>
	if payload != nil {
		if raw, ok := payload["version"]; ok {
			switch t := raw.(type) {
			case float64:
				// JSON number → float64
				return int64(t), true
			case string:
				if v, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}

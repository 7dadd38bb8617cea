package api

import (
	"sort"
	"strings"

	"matryoshka/internal/relation"
	"matryoshka/internal/store"
)

// parseExpand разбирает ?expand=comments,author.avatar в пути по связям.
// "all" — все связи сущности на один уровень.
func parseExpand(raw string, st *store.Storage, fqn string) [][]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if raw == "all" {
		var out [][]string
		for _, d := range st.Registry.Relations(fqn) {
			out = append(out, []string{d.Field})
		}
		return out
	}
	var out [][]string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.Split(p, "."))
	}
	return out
}

// expandRecord — «плоская» запись с вложенными связями по запрошенным путям.
// Read-path зеркален write-path'у: то, что приняли вложенным payload'ом,
// можно прочитать назад в той же форме.
func expandRecord(st *store.Storage, fqn string, rec *store.Record, paths [][]string) map[string]any {
	out := flatten(rec)
	if len(paths) == 0 {
		return out
	}

	// группируем пути по первой связи
	tails := make(map[string][][]string)
	var order []string
	for _, p := range paths {
		head := p[0]
		if _, seen := tails[head]; !seen {
			order = append(order, head)
		}
		if len(p) > 1 {
			tails[head] = append(tails[head], p[1:])
		} else if _, seen := tails[head]; !seen {
			tails[head] = nil
		}
	}

	for _, field := range order {
		d, ok := st.Registry.Descriptor(fqn, field)
		if !ok {
			continue
		}
		out[d.Field] = expandRelation(st, d, rec, tails[field])
	}
	return out
}

func expandRelation(st *store.Storage, d *relation.Descriptor, rec *store.Record, tails [][]string) any {
	switch d.Kind {
	case relation.DirectRef:
		id, _ := rec.Data[d.Field].(string)
		if id == "" {
			return nil
		}
		child, err := st.Get(d.Target, id)
		if err != nil {
			return nil
		}
		return expandRecord(st, d.Target, child, tails)

	case relation.ReverseOne:
		ids := st.FindByField(d.Target, d.FKField, rec.ID)
		if len(ids) == 0 {
			return nil
		}
		child, err := st.Get(d.Target, ids[0])
		if err != nil {
			return nil
		}
		return expandRecord(st, d.Target, child, tails)

	case relation.ReverseMany:
		return expandList(st, d.Target, st.FindByField(d.Target, d.FKField, rec.ID), tails)

	case relation.ManyToMany:
		return expandList(st, d.Target, st.LinkedIDs(d.JoinKey(), rec.ID), tails)

	case relation.Generic:
		return expandList(st, d.Target, st.FindByOwner(d.Target, d.CTypeField, d.OIDField, d.Parent, rec.ID), tails)
	}
	return nil
}

func expandList(st *store.Storage, target string, ids []string, tails [][]string) []map[string]any {
	recs := st.FetchByIDs(target, ids)
	keys := make([]string, 0, len(recs))
	for id := range recs {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, id := range keys {
		out = append(out, expandRecord(st, target, recs[id], tails))
	}
	return out
}

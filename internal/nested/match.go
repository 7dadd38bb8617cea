package nested

import (
	"errors"
	"fmt"

	"matryoshka/internal/dsl"
	"matryoshka/internal/relation"
	"matryoshka/internal/store"
)

// matchSpec — ключ сопоставления для get-or-create: либо явный набор полей,
// либо все объявленные поля. nil-спека = дефолт «по первичному ключу»,
// его обрабатывает обычный pk-lookup.
type matchSpec struct {
	all    bool
	fields []string
}

func matchFromDescriptor(d *relation.Descriptor) *matchSpec {
	if d == nil {
		return nil
	}
	if d.MatchAll {
		return &matchSpec{all: true}
	}
	if len(d.MatchOn) > 0 {
		return &matchSpec{fields: d.MatchOn}
	}
	return nil
}

var errMultipleMatches = errors.New("multiple records match")

// findMatch ищет существующую запись по ключу сопоставления.
// Ровно одна — обновляем её; ни одной — создаём новую; несколько — ошибка.
// В фильтр попадают и значения, подброшенные предком, которых нет среди
// объявленных полей схемы — если их имя входит в ключ.
func findMatch(st *store.Storage, schema *dsl.Entity, entityKey string, data map[string]any, spec *matchSpec) (*store.Record, error) {
	fields := spec.fields
	if spec.all {
		fields = nil
		for _, f := range schema.Fields {
			if f.IsRelation() && f.Type != "ref" {
				continue // обратные связи в записи не хранятся
			}
			fields = append(fields, f.Name)
		}
	}

	filter := make(map[string]string, len(fields))
	for _, name := range fields {
		filter[name] = stringify(data[name])
	}

	var found *store.Record
	for _, rec := range st.All(entityKey) {
		hit := true
		for name, want := range filter {
			if stringify(rec.Data[name]) != want {
				hit = false
				break
			}
		}
		if !hit {
			continue
		}
		if found != nil {
			return nil, errMultipleMatches
		}
		found = rec
	}
	return found, nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

package nested

import (
	"errors"
	"fmt"

	"matryoshka/internal/relation"
	"matryoshka/internal/store"
)

// Engine — движок вложенного сохранения: принимает payload произвольной
// глубины и раскладывает его по записям хранилища за один логический save.
// Граф пишется атомарно: любая ошибка откатывает хранилище к срезу,
// сделанному перед началом.
type Engine struct {
	st *store.Storage
}

func New(st *store.Storage) *Engine {
	return &Engine{st: st}
}

// Create сохраняет новый граф с корнем fqn.
// args — значения, навязываемые полям поверх payload'а (например текущий
// пользователь); ключ, совпадающий с именем связи и несущий map, трактуется
// как args для вложенного сохранения этой связи.
func (e *Engine) Create(fqn string, raw map[string]any, args map[string]any, ctx *Context) (*store.Record, error) {
	return e.save(fqn, raw, nil, args, ctx)
}

// Update применяет payload к существующей записи и сверяет её детей
// с присланными коллекциями (недостающие дети удаляются).
func (e *Engine) Update(fqn, id string, raw map[string]any, args map[string]any, ctx *Context) (*store.Record, error) {
	inst, err := e.st.Get(fqn, id)
	if err != nil {
		return nil, err
	}
	return e.save(fqn, raw, inst, args, ctx)
}

func (e *Engine) save(fqn string, raw map[string]any, inst *store.Record, args map[string]any, ctx *Context) (*store.Record, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	snap := e.st.Snapshot()
	sess := &session{
		st:    e.st,
		ctx:   ctx,
		saved: make(map[string]*store.Record),
	}
	rec, err := sess.saveOne(fqn, raw, inst, args, ctx.Partial, nil)
	if err != nil {
		e.st.RestoreSnapshot(snap)
		return nil, err
	}
	return rec, nil
}

// session — состояние одного логического save. saved служит и кэшем, и
// защитой от рекурсии: повторный заход в уже сохранённую в этой сессии
// запись — no-op, на каждую логическую запись ровно одна попытка записи.
type session struct {
	st    *store.Storage
	ctx   *Context
	saved map[string]*store.Record // "fqn/id" -> запись
}

func (s *session) cached(fqn, id string) (*store.Record, bool) {
	rec, ok := s.saved[fqn+"/"+id]
	return rec, ok
}

func (s *session) remember(fqn string, rec *store.Record) {
	s.saved[fqn+"/"+rec.ID] = rec
}

// saveOne сохраняет один уровень графа: валидация плоских полей, прямые
// связи до записи родителя, сам родитель, обратные связи после.
// match != nil включает режим get-or-create вместо pk-lookup'а.
func (s *session) saveOne(fqn string, raw map[string]any, inst *store.Record, args map[string]any, partial bool, match *matchSpec) (*store.Record, error) {
	schema := s.st.Schemas[fqn]
	if schema == nil {
		return nil, contractf("unknown entity %q", fqn)
	}

	attrs, fieldArgs, err := splitArgs(s.st.Registry, fqn, args)
	if err != nil {
		return nil, err
	}

	// запись, в которую целится payload: либо передана сверху, либо ищем
	// по присланному pk, либо (get-or-create) по ключу сопоставления
	if inst == nil {
		if pk := relatedPK(raw); pk != "" {
			if rec, ok := s.cached(fqn, pk); ok {
				return rec, nil
			}
			inst, _ = s.st.Get(fqn, pk)
		}
	} else if rec, ok := s.cached(fqn, inst.ID); ok {
		return rec, nil
	}

	validated := make(map[string]any, len(raw))
	for k, v := range raw {
		validated[k] = v
	}
	delete(validated, "pk")
	delete(validated, "id")

	effPartial := partial && inst != nil
	if inst == nil {
		ApplyDefaults(schema, validated, s.ctx)
	}
	for k, v := range attrs {
		validated[k] = v
	}

	tree := Tree{}
	tree.AddAll(CheckReadonlyAndSystem(schema, validated, inst == nil))

	excludeID := ""
	if inst != nil {
		excludeID = inst.ID
	}
	tree.AddAll(validateSchema(s.st, schema, validated, fqn, validateOpts{Partial: effPartial}))

	direct, reverse := extractRelations(s.st.Registry, fqn, validated)

	// прямые связи: сначала сохраняем ребёнка, потом кладём его id в FK
	for _, b := range direct {
		sub, _ := raw[b.key].(map[string]any)
		childRec, cerr := s.saveOne(b.d.Target, sub, nil, fieldArgs[b.d.Field], effPartial, matchFromDescriptor(b.d))
		if cerr != nil {
			var ve *ValidationError
			if errors.As(cerr, &ve) {
				tree[b.d.Field] = ve.Tree
				continue
			}
			return nil, cerr
		}
		validated[b.d.Field] = childRec.ID
	}

	// get-or-create: подбираем существующую запись по ключу сопоставления.
	// unique-проверки в этом режиме не запускаются вовсе: совпадение по
	// ключу — штатный путь, а не конфликт.
	if inst == nil && match != nil && len(tree) == 0 {
		found, merr := findMatch(s.st, schema, fqn, validated, match)
		if merr != nil {
			tree.Add(ferr(ErrMultipleMatches, "non_field_errors",
				fmt.Sprintf("Multiple %s records match the given values", schema.Name)))
		} else if found != nil {
			if rec, ok := s.cached(fqn, found.ID); ok {
				return rec, nil
			}
			inst = found
		}
	} else if match == nil {
		// отложенные unique-проверки: ровно перед записью, когда соседи,
		// которых этот save заменяет, уже не дадут ложного конфликта
		tree.AddAll(checkUniqueNow(s.st, schema, fqn, validated, excludeID))
	}

	if len(tree) > 0 {
		return nil, &ValidationError{Tree: tree}
	}

	wasUpdate := inst != nil
	var rec *store.Record
	if inst == nil {
		rec = s.st.Insert(fqn, validated)
	} else {
		var merr error
		rec, merr = s.st.Merge(fqn, inst.ID, -1, validated)
		if merr != nil {
			return nil, merr
		}
	}
	s.remember(fqn, rec)

	// обратные связи: создание/обновление в порядке объявления
	for _, b := range reverse {
		if uerr := s.reconcileUpsert(rec, b.d, raw[b.key], fieldArgs[b.d.Field], effPartial, tree); uerr != nil {
			return nil, uerr
		}
	}

	// удаление отставших детей — только на update и только если фаза
	// создания прошла чисто; порядок обратный объявлению
	if wasUpdate && len(tree) == 0 {
		for i := len(reverse) - 1; i >= 0; i-- {
			b := reverse[i]
			s.reconcileDelete(rec, b.d, raw[b.key], tree)
		}
	}

	if len(tree) > 0 {
		return nil, &ValidationError{Tree: tree}
	}
	return rec, nil
}

// splitArgs делит save-аргументы на плоские значения и пер-связевые args.
// map-значение под именем связи — args для вложенного сохранения; строка
// (или null) под именем ref-поля — обычный FK-атрибут. Всё остальное под
// именем связи — нарушение контракта вызывающего кода.
func splitArgs(reg *relation.Registry, fqn string, args map[string]any) (attrs map[string]any, fieldArgs map[string]map[string]any, err error) {
	attrs = make(map[string]any, len(args))
	fieldArgs = make(map[string]map[string]any)
	for k, v := range args {
		d, isRel := reg.Descriptor(fqn, k)
		if !isRel {
			attrs[k] = v
			continue
		}
		if m, ok := v.(map[string]any); ok {
			fieldArgs[d.Field] = m
			continue
		}
		if d.Kind == relation.DirectRef {
			switch v.(type) {
			case string, nil:
				attrs[k] = v
				continue
			}
		}
		return nil, nil, contractf("arguments for nested relation %q must be a map, got %T", k, v)
	}
	return attrs, fieldArgs, nil
}

// relatedPK достаёт первичный ключ из payload'а ("pk" приоритетнее "id")
func relatedPK(data map[string]any) string {
	for _, key := range []string{"pk", "id"} {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

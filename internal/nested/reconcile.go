package nested

import (
	"errors"
	"fmt"
	"strings"

	"matryoshka/internal/relation"
	"matryoshka/internal/store"
)

// reconcileUpsert — фаза создания/обновления одной обратной связи.
// Ошибки детей раскладываются позиционно: на каждый элемент коллекции
// либо пустое дерево (успех), либо дерево его ошибок. Возвращаемая
// ошибка — только контрактная, валидационные копятся в tree.
func (s *session) reconcileUpsert(parent *store.Record, d *relation.Descriptor, rawVal any, perArgs map[string]any, partial bool, tree Tree) error {
	if rawVal == nil {
		return nil
	}

	single := d.Kind == relation.ReverseOne
	var items []map[string]any
	if single {
		m, ok := rawVal.(map[string]any)
		if !ok {
			tree.Add(ferr(ErrTypeMismatch, d.Field, fmt.Sprintf("Invalid data. Expected an object, but got %T", rawVal)))
			return nil
		}
		// one-to-one без явного pk целится в уже привязанного ребёнка,
		// иначе каждый update плодил бы дубликаты
		if relatedPK(m) == "" {
			if linked := s.st.FindByField(d.Target, d.FKField, parent.ID); len(linked) == 1 {
				m["pk"] = linked[0]
			}
		}
		items = []map[string]any{m}
	} else {
		list, ok := rawVal.([]any)
		if !ok {
			tree.Add(ferr(ErrTypeMismatch, d.Field, fmt.Sprintf("Invalid data. Expected a list, but got %T", rawVal)))
			return nil
		}
		items = make([]map[string]any, len(list))
		for i, it := range list {
			items[i], _ = it.(map[string]any)
		}
	}

	// батч-выборка существующих детей по присланным pk
	var pks []string
	for _, m := range items {
		if m == nil {
			continue
		}
		if pk := relatedPK(m); pk != "" {
			pks = append(pks, pk)
		}
	}
	prefetched := s.st.FetchByIDs(d.Target, pks)

	// значения, навязываемые каждому ребёнку: связь с родителем
	injected := make(map[string]any, len(perArgs)+2)
	for k, v := range perArgs {
		injected[k] = v
	}
	switch d.Kind {
	case relation.ReverseOne, relation.ReverseMany:
		injected[d.FKField] = parent.ID
	case relation.Generic:
		injected[d.CTypeField] = d.Parent
		injected[d.OIDField] = parent.ID
	}

	itemErrs := make([]any, len(items))
	hadErr := false
	var newIDs []string
	for i, m := range items {
		if m == nil {
			itemErrs[i] = Tree{"non_field_errors": []FieldError{
				ferr(ErrTypeMismatch, "non_field_errors", "Invalid data. Expected an object"),
			}}
			hadErr = true
			continue
		}
		var obj *store.Record
		if pk := relatedPK(m); pk != "" {
			obj = prefetched[pk]
		}
		rec, err := s.saveOne(d.Target, m, obj, injected, partial, matchFromDescriptor(d))
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				itemErrs[i] = ve.Tree
				hadErr = true
				continue
			}
			return err
		}
		// фаза удаления считает актуальных детей по этим pk
		m["pk"] = rec.ID
		itemErrs[i] = Tree{}
		newIDs = append(newIDs, rec.ID)
	}

	if hadErr {
		if single {
			tree[d.Field] = itemErrs[0]
		} else {
			tree[d.Field] = itemErrs
		}
		return nil
	}

	if d.Kind == relation.ManyToMany {
		// аддитивно: уже существующие join-строки не трогаем
		s.st.Associate(d.JoinKey(), parent.ID, newIDs...)
	}
	return nil
}

// reconcileDelete — фаза удаления: дети, привязанные к родителю, но не
// упомянутые в payload'е, удаляются (для many-to-many — только отвязка).
// null вместо коллекции означает «отцепить всех».
func (s *session) reconcileDelete(parent *store.Record, d *relation.Descriptor, rawVal any, tree Tree) {
	current := make(map[string]struct{})
	switch v := rawVal.(type) {
	case map[string]any:
		if pk := relatedPK(v); pk != "" {
			current[pk] = struct{}{}
		}
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				if pk := relatedPK(m); pk != "" {
					current[pk] = struct{}{}
				}
			}
		}
	}

	var linked []string
	switch d.Kind {
	case relation.ManyToMany:
		linked = s.st.LinkedIDs(d.JoinKey(), parent.ID)
	case relation.Generic:
		linked = s.st.FindByOwner(d.Target, d.CTypeField, d.OIDField, d.Parent, parent.ID)
	default:
		linked = s.st.FindByField(d.Target, d.FKField, parent.ID)
	}

	var stale []string
	for _, id := range linked {
		if _, keep := current[id]; !keep {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}

	if d.Kind == relation.ManyToMany {
		s.st.Dissociate(d.JoinKey(), parent.ID, stale...)
		return
	}
	if err := s.st.HardDelete(d.Target, stale); err != nil {
		var pe *store.ProtectedError
		if errors.As(err, &pe) {
			tree.Add(ferr(ErrProtected, d.Field,
				"Cannot delete "+strings.Join(pe.Blocked, ", ")+" because protected relation exists"))
			return
		}
		tree.Add(ferr(ErrProtected, d.Field, err.Error()))
	}
}

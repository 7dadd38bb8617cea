package relation

import (
	"fmt"
	"sort"
	"strings"

	"matryoshka/internal/dsl"
)

// Kind — закрытый набор видов связи. Классификация делается один раз,
// при регистрации схем, дальше весь движок ветвится по тегу.
type Kind int

const (
	DirectRef   Kind = iota // FK хранится в записи родителя
	ReverseOne              // обратный one-to-one: FK в записи-ребёнке
	ReverseMany             // обратный one-to-many: FK в записи-ребёнке
	ManyToMany              // join-таблица на стороне хранилища
	Generic                 // полиморфная связь: owner_type + owner_id в ребёнке
)

func (k Kind) String() string {
	switch k {
	case DirectRef:
		return "ref"
	case ReverseOne:
		return "child"
	case ReverseMany:
		return "children"
	case ManyToMany:
		return "many"
	case Generic:
		return "generic"
	}
	return "unknown"
}

// IsReverse — владелец связи не родитель: FK (или join-строка) живёт
// на стороне ребёнка
func (k Kind) IsReverse() bool {
	return k != DirectRef
}

// Descriptor описывает одну связь «поле родителя → целевая сущность»
type Descriptor struct {
	Parent string // FQN родителя
	Field  string // имя поля в схеме родителя
	Kind   Kind
	Target string // FQN целевой сущности

	// ReverseOne/ReverseMany: имя ref-поля в целевой сущности
	FKField string

	// Generic: имена полей полиморфной ссылки в целевой сущности
	CTypeField string
	OIDField   string

	// get-or-create: ключ сопоставления (пустой = по первичному ключу)
	MatchAll bool
	MatchOn  []string

	// on_delete-политика FK-поля целевой сущности (restrict по умолчанию)
	OnDelete string
}

// JoinKey — ключ join-таблицы для many-to-many
func (d *Descriptor) JoinKey() string {
	return d.Parent + "." + d.Field
}

// Registry — статическая таблица дескрипторов связей, построенная при
// регистрации схем. Заменяет рефлексию над метаданными модели.
type Registry struct {
	byParent map[string]map[string]*Descriptor
	order    map[string][]string // порядок объявления связей в схеме
}

// Build классифицирует все relation-поля всех сущностей.
// Ошибки здесь — ошибки конфигурации схем, а не запросов.
func Build(schemas map[string]*dsl.Entity) (*Registry, error) {
	reg := &Registry{
		byParent: make(map[string]map[string]*Descriptor),
		order:    make(map[string][]string),
	}

	// стабильный порядок обхода сущностей
	keys := make([]string, 0, len(schemas))
	for k := range schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, fqn := range keys {
		e := schemas[fqn]
		for _, f := range e.Fields {
			if !f.IsRelation() {
				continue
			}
			d, err := classify(schemas, e, f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", fqn, f.Name, err)
			}
			if reg.byParent[fqn] == nil {
				reg.byParent[fqn] = make(map[string]*Descriptor)
			}
			reg.byParent[fqn][f.Name] = d
			reg.order[fqn] = append(reg.order[fqn], f.Name)
		}
	}
	return reg, nil
}

func classify(schemas map[string]*dsl.Entity, e *dsl.Entity, f dsl.Field) (*Descriptor, error) {
	target, ok := resolveTarget(schemas, e.Module, f.RefTarget)
	if !ok {
		return nil, fmt.Errorf("unknown target entity %q", f.RefTarget)
	}

	d := &Descriptor{
		Parent:   e.FQN(),
		Field:    f.Name,
		Target:   target,
		OnDelete: "restrict",
	}
	d.MatchAll, d.MatchOn = f.MatchOn()

	switch f.Type {
	case "ref":
		d.Kind = DirectRef
		if od := strings.ToLower(strings.TrimSpace(f.Options["on_delete"])); od != "" {
			d.OnDelete = od
		}
		return d, nil

	case "child", "children":
		if f.Type == "child" {
			d.Kind = ReverseOne
		} else {
			d.Kind = ReverseMany
		}
		fk, err := resolveFK(schemas, e, target, f.FKField)
		if err != nil {
			return nil, err
		}
		d.FKField = fk
		if tf, ok := schemas[target].FieldByName(fk); ok {
			if od := strings.ToLower(strings.TrimSpace(tf.Options["on_delete"])); od != "" {
				d.OnDelete = od
			}
		}
		return d, nil

	case "many":
		d.Kind = ManyToMany
		return d, nil

	case "generic":
		d.Kind = Generic
		d.CTypeField = f.Options["ctype_field"]
		if d.CTypeField == "" {
			d.CTypeField = "owner_type"
		}
		d.OIDField = f.Options["oid_field"]
		if d.OIDField == "" {
			d.OIDField = "owner_id"
		}
		te := schemas[target]
		if _, ok := te.FieldByName(d.CTypeField); !ok {
			return nil, fmt.Errorf("generic target %s has no field %q", target, d.CTypeField)
		}
		if _, ok := te.FieldByName(d.OIDField); !ok {
			return nil, fmt.Errorf("generic target %s has no field %q", target, d.OIDField)
		}
		return d, nil
	}

	return nil, fmt.Errorf("unsupported relation type %q", f.Type)
}

// resolveFK находит ref-поле в целевой сущности, которым ребёнок ссылается
// на родителя. Если имя объявлено явно — проверяем; иначе ищем единственного
// кандидата среди ref-полей цели.
func resolveFK(schemas map[string]*dsl.Entity, parent *dsl.Entity, targetFQN, declared string) (string, error) {
	te := schemas[targetFQN]
	parentFQN := parent.FQN()

	if declared != "" {
		tf, ok := te.FieldByName(declared)
		if !ok {
			return "", fmt.Errorf("target %s has no field %q", targetFQN, declared)
		}
		if tf.Type != "ref" {
			return "", fmt.Errorf("target field %s.%s is not a ref", targetFQN, declared)
		}
		if got, ok := resolveTarget(schemas, te.Module, tf.RefTarget); !ok || got != parentFQN {
			return "", fmt.Errorf("target field %s.%s does not reference %s", targetFQN, declared, parentFQN)
		}
		return declared, nil
	}

	var found []string
	for _, tf := range te.Fields {
		if tf.Type != "ref" {
			continue
		}
		if got, ok := resolveTarget(schemas, te.Module, tf.RefTarget); ok && got == parentFQN {
			found = append(found, tf.Name)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", fmt.Errorf("target %s has no ref back to %s", targetFQN, parentFQN)
	default:
		return "", fmt.Errorf("target %s has several refs back to %s (%s), declare the FK explicitly",
			targetFQN, parentFQN, strings.Join(found, ", "))
	}
}

// resolveTarget — FQN цели по имени из DSL: "Name" ищем сначала в своём
// модуле, затем как уникальное имя среди всех; "module.Name" — напрямую
func resolveTarget(schemas map[string]*dsl.Entity, module, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if strings.Contains(raw, ".") {
		if _, ok := schemas[raw]; ok {
			return raw, true
		}
		return "", false
	}
	if _, ok := schemas[module+"."+raw]; ok {
		return module + "." + raw, true
	}
	var found string
	for fqn := range schemas {
		dot := strings.IndexByte(fqn, '.')
		if dot <= 0 {
			continue
		}
		if fqn[dot+1:] == raw {
			if found != "" {
				return "", false // неуникально
			}
			found = fqn
		}
	}
	return found, found != ""
}

// Descriptor возвращает дескриптор поля. Если точного имени нет, пробуем
// без конвенционного суффикса "_set" — так payload может адресовать
// обратную связь именем по умолчанию.
func (r *Registry) Descriptor(parentFQN, field string) (*Descriptor, bool) {
	m := r.byParent[parentFQN]
	if m == nil {
		return nil, false
	}
	if d, ok := m[field]; ok {
		return d, true
	}
	const defaultPostfix = "_set"
	if strings.HasSuffix(field, defaultPostfix) {
		if d, ok := m[strings.TrimSuffix(field, defaultPostfix)]; ok {
			return d, true
		}
	}
	return nil, false
}

// Relations — дескрипторы сущности в порядке объявления
func (r *Registry) Relations(parentFQN string) []*Descriptor {
	names := r.order[parentFQN]
	out := make([]*Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, r.byParent[parentFQN][n])
	}
	return out
}

// Incoming возвращает все дескрипторы, целящиеся в targetFQN.
// Нужен хранилищу для защиты от удаления и каскадов.
func (r *Registry) Incoming(targetFQN string) []*Descriptor {
	var out []*Descriptor
	parents := make([]string, 0, len(r.byParent))
	for p := range r.byParent {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	for _, p := range parents {
		for _, n := range r.order[p] {
			if d := r.byParent[p][n]; d.Target == targetFQN {
				out = append(out, d)
			}
		}
	}
	return out
}

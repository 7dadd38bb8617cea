package dsl

// Entity описывает структуру сущности из DSL
type Entity struct {
	Module      string
	Name        string
	Fields      []Field
	Constraints Constraints
}

// Field описывает поле сущности.
// Помимо примитивов (string, int, float, money, bool, date, datetime, enum,
// dict, array) поле может объявлять связь с другой сущностью:
//
//	ref[Target]          — прямая ссылка, FK хранится в этой записи
//	child[Target.fk]     — обратный one-to-one, FK живёт в записи-ребёнке
//	children[Target.fk]  — обратный one-to-many
//	many[Target]         — many-to-many через join-таблицу
//	generic[Target]      — полиморфная обратная связь (owner_type + owner_id)
//
// Часть ".fk" у child/children можно опустить — тогда FK-поле ищется
// в целевой сущности при построении реестра связей.
type Field struct {
	Name      string
	Type      string            // string, int, date, enum, ref, children и т.д.
	Enum      []string          // значения enum, если поле типа enum
	ElemType  string            // тип элемента для array[...]
	RefTarget string            // целевая сущность для ref/child/children/many/generic
	FKField   string            // имя FK-поля в целевой сущности (child/children)
	DictName  string            // имя справочника для dict[...]
	Options   map[string]string // required, unique, default, match_on и прочие опции
}

// Constraints — ограничения уровня сущности
type Constraints struct {
	Unique [][]string // составные unique-ключи
}

// IsRelation — поле объявляет связь с другой сущностью
func (f Field) IsRelation() bool {
	switch f.Type {
	case "ref", "child", "children", "many", "generic":
		return true
	}
	return false
}

// FieldByName возвращает поле по имени
func (e *Entity) FieldByName(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FQN возвращает полное имя "module.Name"
func (e *Entity) FQN() string {
	return e.Module + "." + e.Name
}

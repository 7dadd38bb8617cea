package pg

import (
	"fmt"
	"sort"
	"strings"

	"matryoshka/internal/dsl"
	"matryoshka/internal/relation"
)

type OnDeletePolicy string

const (
	OnDeleteRestrict OnDeletePolicy = "RESTRICT"
	OnDeleteSetNull  OnDeletePolicy = "SET NULL"
	OnDeleteCascade  OnDeletePolicy = "CASCADE"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// элементарная плюрализация (достаточно для users, posts, ...)
func plural(s string) string {
	s = strings.ToLower(s)
	if strings.HasSuffix(s, "s") {
		return s
	}
	return s + "s"
}

// schema = module (lower), table = plural(entity) с защитой keyword'ов
func safeSchema(module string) string { return strings.ToLower(module) }

func safeTable(entity string) string {
	t := plural(entity)
	t = strings.ToLower(t)
	if isReserved(t) {
		// помечаем «опасное» имя префиксом
		t = "e_" + t
	}
	return t
}

func fqn(mod, tbl string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(mod), strings.ToLower(tbl))
}

func sqlIdent(s string) string { return `"` + strings.ToLower(s) + `"` }

// splitEntityFQN("module.Name") -> (schema, table)
func splitEntityFQN(entityFQN string) (string, string) {
	i := strings.IndexByte(entityFQN, '.')
	if i <= 0 {
		return "", safeTable(entityFQN)
	}
	return safeSchema(entityFQN[:i]), safeTable(entityFQN[i+1:])
}

func mapType(f dsl.Field) (string, error) {
	t := strings.ToLower(f.Type)
	switch t {
	case "string":
		return "text", nil
	case "int":
		return "bigint", nil
	case "float":
		return "double precision", nil
	case "money":
		return "numeric(18,2)", nil
	case "bool":
		return "boolean", nil
	case "date":
		return "date", nil
	case "datetime":
		return "timestamp with time zone", nil
	case "enum", "dict":
		// код справочника/значение enum — text
		return "text", nil
	case "ref":
		return "text", nil // id целевой записи
	case "array":
		// массив примитивов — jsonb, чтобы быстро поехать
		return "jsonb", nil
	default:
		return "", fmt.Errorf("unknown type: %s", f.Type)
	}
}

func toPolicy(raw string) OnDeletePolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "set_null":
		return OnDeleteSetNull
	case "cascade":
		return OnDeleteCascade
	default:
		return OnDeleteRestrict
	}
}

// GenerateDDL возвращает карту ключ -> SQL DDL. Колонки получают только
// плоские поля и прямые ref'ы: обратные связи живут на стороне ребёнка,
// many-to-many разворачивается в join-таблицы, generic-цели получают
// индекс по (owner_type, owner_id).
func GenerateDDL(entities map[string]*dsl.Entity, reg *relation.Registry) (map[string]string, error) {
	out := make(map[string]string, 4)

	// стабильный порядок сущностей
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// --- Phase A: schemas + tables + unique ---
	var phaseASb strings.Builder
	seenSchemas := map[string]struct{}{}

	for _, fqnKey := range keys {
		e := entities[fqnKey]

		mod := safeSchema(e.Module)
		tbl := safeTable(e.Name)

		if _, ok := seenSchemas[mod]; !ok {
			fmt.Fprintf(&phaseASb, "create schema if not exists %s;\n", sqlIdent(mod))
			seenSchemas[mod] = struct{}{}
		}

		// системные колонки
		var cols []string
		cols = append(cols, `"id" text primary key`)
		cols = append(cols, `"version" bigint not null`)
		cols = append(cols, `"created_at" timestamp with time zone not null`)
		cols = append(cols, `"updated_at" timestamp with time zone not null`)

		seen := map[string]struct{}{"id": {}, "version": {}, "created_at": {}, "updated_at": {}}

		// пользовательские поля
		for _, f := range e.Fields {
			if f.IsRelation() && f.Type != "ref" {
				// child/children/many/generic не хранятся в родителе
				continue
			}
			nameLower := strings.ToLower(f.Name)
			if _, exists := seen[nameLower]; exists {
				return nil, fmt.Errorf("%s: field %q duplicates a system or duplicate column", fqnKey, f.Name)
			}
			seen[nameLower] = struct{}{}

			name := sqlIdent(f.Name)
			typ, err := mapType(f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", fqnKey, f.Name, err)
			}

			null := "null"
			if f.Options != nil {
				if _, ok := f.Options["required"]; ok {
					null = "not null"
				}
			}
			def := ""
			if f.Options != nil {
				if dv, ok := f.Options["default"]; ok && strings.TrimSpace(dv) != "" && !strings.HasPrefix(dv, "$") {
					def = " default " + fmt.Sprintf("'%s'", dv)
				}
			}
			cols = append(cols, fmt.Sprintf("%s %s %s%s", name, typ, null, def))
		}

		fmt.Fprintf(&phaseASb, "create table if not exists %s.%s (\n  %s\n);\n",
			sqlIdent(mod), sqlIdent(tbl), strings.Join(cols, ",\n  "))

		// UNIQUE по полям
		for _, f := range e.Fields {
			if f.Options != nil {
				if _, ok := f.Options["unique"]; ok {
					fmt.Fprintf(&phaseASb, "create unique index if not exists %s_%s_uq on %s.%s(%s);\n",
						strings.ToLower(e.Name), strings.ToLower(f.Name),
						sqlIdent(mod), sqlIdent(tbl), sqlIdent(f.Name))
				}
			}
		}

		// UNIQUE составные
		for _, set := range e.Constraints.Unique {
			if len(set) == 0 {
				continue
			}
			idxName := strings.ToLower(e.Name + "_" + strings.Join(set, "_") + "_uq")
			var parts []string
			for _, p := range set {
				parts = append(parts, sqlIdent(p))
			}
			fmt.Fprintf(&phaseASb, "create unique index if not exists %s on %s.%s(%s);\n",
				sqlIdent(idxName), sqlIdent(mod), sqlIdent(tbl), strings.Join(parts, ", "))
		}
	}

	out["000_schemas_and_tables"] = phaseASb.String()

	// --- Phase B: join-таблицы many-to-many (после базовых таблиц) ---
	var phaseJoin strings.Builder
	// --- Phase C: индексы generic-целей ---
	var phaseGeneric strings.Builder
	// --- Phase D: foreign keys ---
	var phaseFK strings.Builder

	for _, fqnKey := range keys {
		for _, d := range reg.Relations(fqnKey) {
			pmod, ptbl := splitEntityFQN(d.Parent)
			tmod, ttbl := splitEntityFQN(d.Target)

			switch d.Kind {
			case relation.ManyToMany:
				jt := fmt.Sprintf("%s_%s_links", strings.TrimPrefix(ptbl, "e_"), strings.ToLower(d.Field))
				fmt.Fprintf(&phaseJoin,
					"create table if not exists %s.%s (\n"+
						"  %s text not null references %s.%s(id) on delete cascade,\n"+
						"  %s text not null references %s.%s(id) on delete cascade,\n"+
						"  primary key (%s, %s)\n);\n",
					sqlIdent(pmod), sqlIdent(jt),
					sqlIdent("parent_id"), sqlIdent(pmod), sqlIdent(ptbl),
					sqlIdent("child_id"), sqlIdent(tmod), sqlIdent(ttbl),
					sqlIdent("parent_id"), sqlIdent("child_id"))

			case relation.Generic:
				idx := fmt.Sprintf("%s_owner_idx", strings.TrimPrefix(ttbl, "e_"))
				fmt.Fprintf(&phaseGeneric,
					"create index if not exists %s on %s.%s(%s, %s);\n",
					sqlIdent(idx), sqlIdent(tmod), sqlIdent(ttbl),
					sqlIdent(d.CTypeField), sqlIdent(d.OIDField))

			case relation.DirectRef:
				cons := strings.ToLower(strings.ReplaceAll(d.Parent, ".", "_") + "_" + d.Field + "_fk")
				fmt.Fprintf(&phaseFK,
					"alter table %s.%s add constraint %s foreign key (%s) references %s.%s(id) on delete %s;\n",
					sqlIdent(pmod), sqlIdent(ptbl),
					cons,
					sqlIdent(d.Field),
					sqlIdent(tmod), sqlIdent(ttbl),
					toPolicy(d.OnDelete))
			}
		}
	}

	if phaseJoin.Len() > 0 {
		out["100_join_tables"] = phaseJoin.String()
	}
	if phaseGeneric.Len() > 0 {
		out["150_generic_indexes"] = phaseGeneric.String()
	}
	if phaseFK.Len() > 0 {
		out["200_foreign_keys"] = phaseFK.String()
	}

	return out, nil
}

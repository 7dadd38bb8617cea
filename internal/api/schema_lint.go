// api/schema_lint.go
package api

import (
	"fmt"
	"strings"

	"matryoshka/internal/dsl"
	"matryoshka/internal/reference"
	"matryoshka/internal/relation"
)

type SchemaIssue struct {
	Entity  string `json:"entity"` // FQN: module.Entity
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SchemaLint проверяет базовые противоречия в DSL до того, как схемы
// попадут в хранилище. Связи прогоняются через построение реестра:
// неразрешимая цель, кривой FK или битый generic всплывают здесь.
func SchemaLint(schemas map[string]*dsl.Entity, enums map[string]reference.EnumDirectory) []SchemaIssue {
	var issues []SchemaIssue

	for fqn, e := range schemas {
		for _, f := range e.Fields {
			// валидность on_delete
			if od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"])); od != "" {
				switch od {
				case "restrict", "set_null", "cascade":
				default:
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "on_delete_unknown",
						Message: fmt.Sprintf("unknown on_delete policy %q (allowed: restrict|set_null|cascade)", od),
					})
				}
			}

			if strings.EqualFold(f.Type, "ref") {
				// required ref + set_null — конфликт
				req := strings.EqualFold(f.Options["required"], "true")
				od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"]))
				if req && od == "set_null" {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "required_conflicts_on_delete",
						Message: "required ref cannot have on_delete=set_null; use restrict (or make field optional)",
					})
				}
				if strings.TrimSpace(f.RefTarget) == "" {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "ref_target_empty",
						Message: "ref field has empty RefTarget",
					})
				}
			}

			// match_on имеет смысл только на связях
			if _, ok := f.Options["match_on"]; ok && !f.IsRelation() {
				issues = append(issues, SchemaIssue{
					Entity:  fqn,
					Field:   f.Name,
					Code:    "match_on_misplaced",
					Message: "match_on is only valid on relation fields",
				})
			}

			// dict должен ссылаться на существующий справочник
			if f.Type == "dict" {
				if _, ok := enums[f.DictName]; !ok {
					issues = append(issues, SchemaIssue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "dict_unknown",
						Message: fmt.Sprintf("dictionary %q not found in enum catalog", f.DictName),
					})
				}
			}
		}
	}

	// классификация связей: ошибки построения реестра — блокирующие
	if _, err := relation.Build(schemas); err != nil {
		issues = append(issues, SchemaIssue{
			Code:    "relation_invalid",
			Message: err.Error(),
		})
	}

	return issues
}

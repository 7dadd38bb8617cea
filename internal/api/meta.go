package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ===== META HANDLERS =====

type metaEntityListItem struct {
	Module string `json:"module"`
	Entity string `json:"entity"`
}

func MetaListHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make([]metaEntityListItem, 0, len(s.St.Schemas))
		for fqn := range s.St.Schemas {
			mod, ent := splitFQN(fqn)
			out = append(out, metaEntityListItem{Module: mod, Entity: ent})
		}
		c.JSON(http.StatusOK, out)
	}
}

type metaField struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	ElemType string            `json:"elemType,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	RefFQN   string            `json:"refFQN,omitempty"`
	Dict     string            `json:"dict,omitempty"`
	Enum     []string          `json:"enum,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// metaRelation — дескриптор связи в том виде, в котором его построил реестр
type metaRelation struct {
	Field    string   `json:"field"`
	Kind     string   `json:"kind"` // ref | child | children | many | generic
	Target   string   `json:"target"`
	FKField  string   `json:"fkField,omitempty"`
	MatchOn  []string `json:"matchOn,omitempty"`
	MatchAll bool     `json:"matchAll,omitempty"`
	OnDelete string   `json:"onDelete,omitempty"`
}

type metaEntity struct {
	Module      string         `json:"module"`
	Entity      string         `json:"entity"`
	Fields      []metaField    `json:"fields"`
	Relations   []metaRelation `json:"relations,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"` // {"unique":[["code"],["base","quote","date"]]}
}

func MetaEntityHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		schema := s.St.Schemas[fqn]

		fields := make([]metaField, 0, len(schema.Fields))
		for _, f := range schema.Fields {
			opts := map[string]string{}
			if f.Options != nil {
				for k, v := range f.Options {
					opts[k] = v
				}
			}

			refFQN := ""
			if f.RefTarget != "" {
				if full, ok := s.St.NormalizeFQN(f.RefTarget); ok {
					refFQN = full
				} else if full, ok := s.St.NormalizeEntityName(schema.Module, f.RefTarget); ok {
					refFQN = full
				}
			}

			fields = append(fields, metaField{
				Name:     f.Name,
				Type:     strings.ToLower(f.Type),
				ElemType: f.ElemType,
				Ref:      f.RefTarget,
				RefFQN:   refFQN,
				Dict:     f.DictName,
				Enum:     append([]string(nil), f.Enum...),
				Options:  opts,
			})
		}

		var relations []metaRelation
		for _, d := range s.St.Registry.Relations(fqn) {
			relations = append(relations, metaRelation{
				Field:    d.Field,
				Kind:     d.Kind.String(),
				Target:   d.Target,
				FKField:  d.FKField,
				MatchOn:  append([]string(nil), d.MatchOn...),
				MatchAll: d.MatchAll,
				OnDelete: d.OnDelete,
			})
		}

		var constraints map[string]any
		if len(schema.Constraints.Unique) > 0 {
			uniq := make([][]string, 0, len(schema.Constraints.Unique))
			for _, set := range schema.Constraints.Unique {
				uniq = append(uniq, append([]string(nil), set...))
			}
			constraints = map[string]any{"unique": uniq}
		}

		m, e := splitFQN(fqn)
		c.JSON(http.StatusOK, metaEntity{
			Module:      m,
			Entity:      e,
			Fields:      fields,
			Relations:   relations,
			Constraints: constraints,
		})
	}
}

func MetaCatalogHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		dir, ok := s.St.Enums[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Catalog not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":  name,
			"items": dir.Items,
		})
	}
}

// splitFQN("module.entity") -> ("module","entity")
func splitFQN(fqn string) (string, string) {
	i := strings.IndexByte(fqn, '.')
	if i <= 0 || i >= len(fqn)-1 {
		return "", fqn
	}
	return fqn[:i], fqn[i+1:]
}

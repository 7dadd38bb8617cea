package api

import (
	"net/http"
	"strings"

	"matryoshka/internal/dsl"
	"matryoshka/internal/reference"
	"matryoshka/internal/relation"

	"github.com/gin-gonic/gin"
)

type reloadReq struct {
	DSLRoot   string `json:"dsl_root"`   // директория с *.dsl
	EnumsRoot string `json:"enums_root"` // директория со справочниками enum
}

func AdminReloadHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reloadReq
		if err := c.ShouldBindJSON(&req); err != nil && err != http.ErrBodyNotAllowed {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		dslRoot := strings.TrimSpace(req.DSLRoot)
		if dslRoot == "" {
			dslRoot = "dsl"
		}
		enumsRoot := strings.TrimSpace(req.EnumsRoot)
		if enumsRoot == "" {
			enumsRoot = "reference/enums"
		}

		// 1) читаем новые схемы и справочники
		newSchemas, err := dsl.LoadAllEntities(dslRoot)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "DSL load error", "details": err.Error()})
			return
		}
		newEnums, err := reference.LoadEnumCatalog(enumsRoot)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Enum load error", "details": err.Error()})
			return
		}

		// 2) линтер на новых схемах, ДО подмены
		if issues := SchemaLint(newSchemas, newEnums); len(issues) > 0 {
			out := make([]gin.H, 0, len(issues))
			for _, it := range issues {
				out = append(out, gin.H{
					"entity":  it.Entity,
					"field":   it.Field,
					"message": it.Message,
					"code":    it.Code,
				})
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "schema has blocking issues",
				"issues":  out,
				"hint":    "fix DSL and retry",
				"dslRoot": dslRoot, "enumsRoot": enumsRoot,
			})
			return
		}

		// 3) реестр связей строится заново по новым схемам
		reg, err := relation.Build(newSchemas)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "relation registry error", "details": err.Error()})
			return
		}

		// 4) атомарная замена
		s.St.SwapSchemas(newSchemas, reg, newEnums)

		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"dslRoot":    dslRoot,
			"enumsRoot":  enumsRoot,
			"entities":   len(newSchemas),
			"enumGroups": len(newEnums),
		})
	}
}

// GET /api/admin/lint — прогнать линтер по текущим схемам
func AdminLintHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		issues := SchemaLint(s.St.Schemas, s.St.Enums)
		c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
	}
}

package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"matryoshka/internal/relation"

	"github.com/gin-gonic/gin"
)

// POST /api/:module/:entity/:id/_file/:field
// field — generic-связь на сущность-вложение: файл уходит в blob-хранилище,
// метаданные пишутся записью целевой сущности с полиморфной ссылкой на
// владельца. Читается назад через ?expand=<field>.
func UploadFileHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")
		field := c.Param("field")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		if s.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}

		d, ok := s.St.Registry.Descriptor(fqn, field)
		if !ok || d.Kind != relation.Generic {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Field is not a generic attachment relation"})
			return
		}
		if !s.St.Exists(fqn, id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}

		// multipart
		file, hdr, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart file not found (field name 'file')"})
			return
		}
		defer file.Close()

		// сохраним в blob
		key, size, sum, err := s.Blob.Put("", file) // key генерится автоматически
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store error", "details": err.Error()})
			return
		}

		att := map[string]any{
			d.CTypeField:  fqn,
			d.OIDField:    id,
			"file_name":   safeName(hdr),
			"mime":        hdr.Header.Get("Content-Type"),
			"size":        float64(size),
			"storage":     "local",
			"storage_key": key,
			"hash":        sum,
		}

		rec, err := s.Eng.Create(d.Target, att, nil, requestContext(c, false))
		if err != nil {
			_ = s.Blob.Delete(key)
			respondSaveError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"attachment_id": rec.ID,
			"storage_key":   key,
		})
	}
}

func safeName(h *multipart.FileHeader) string {
	name := h.Filename
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	return name
}

// GET /api/:module/:entity/:id/download — отдать файл записи-вложения
func DownloadAttachmentHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := c.Param("module")
		ent := c.Param("entity")
		id := c.Param("id")

		fqn, ok := s.St.NormalizeEntityName(mod, ent)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}

		rec, err := s.St.Get(fqn, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Attachment not found"})
			return
		}

		key := toString(rec.Data["storage_key"])
		name := toString(rec.Data["file_name"])
		mime := toString(rec.Data["mime"])

		if s.Blob == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "blob store not configured"})
			return
		}
		p, _ := s.Blob.Path(key)

		// Явно проставляем заголовки, чтобы использовать сохранённый MIME
		if name == "" {
			name = "file"
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		if mime != "" {
			c.Header("Content-Type", mime)
		} else {
			c.Header("Content-Type", "application/octet-stream")
		}

		c.File(p)
	}
}

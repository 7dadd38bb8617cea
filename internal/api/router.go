// api/router.go
package api

import (
	"github.com/gin-gonic/gin"
)

func NewRouter(s *Server) *gin.Engine {
	r := gin.Default()

	apiGroup := r.Group("/api")
	{
		r.GET("/api/meta", MetaListHandler(s))
		r.GET("/api/meta/:module/:entity", MetaEntityHandler(s))
		r.GET("/api/meta/catalog/:name", MetaCatalogHandler(s))
		r.GET("/api/meta/lookup/:module/:entity", LookupHandler(s))

		r.POST("/api/admin/reload", AdminReloadHandler(s))
		r.GET("/api/admin/lint", AdminLintHandler(s))

		// статические "служебные" маршруты — СНАЧАЛА
		apiGroup.GET("/:module/:entity/count", CountHandler(s))
		apiGroup.GET("/:module/:entity/_count", CountHandler(s))
		apiGroup.POST("/:module/:entity/_bulk", BulkCreateHandler(s))
		apiGroup.PATCH("/:module/:entity/_bulk", BulkPatchHandler(s))
		apiGroup.POST("/:module/:entity/:id/restore", RestoreHandler(s))
		r.POST("/api/:module/:entity/_bulk_delete", BulkDeleteHandler(s))
		r.POST("/api/:module/:entity/_bulk_restore", BulkRestoreHandler(s))

		// файлы-вложения через generic-связь
		apiGroup.POST("/:module/:entity/:id/_file/:field", UploadFileHandler(s))
		apiGroup.GET("/:module/:entity/:id/download", DownloadAttachmentHandler(s))

		// обычные CRUD
		apiGroup.POST("/:module/:entity", CreateHandler(s))
		apiGroup.GET("/:module/:entity", ListHandler(s))
		apiGroup.GET("/:module/:entity/:id", GetOneHandler(s))
		apiGroup.PUT("/:module/:entity/:id", UpdateHandler(s))
		apiGroup.PATCH("/:module/:entity/:id", UpdatePartialHandler(s))
		apiGroup.DELETE("/:module/:entity/:id", DeleteHandler(s))
	}

	return r
}

func RunServer(addr string, s *Server) {
	_ = NewRouter(s).Run(addr)
}

package api

import (
	"strings"
	"time"

	"matryoshka/internal/nested"
	"matryoshka/internal/store"

	"github.com/gin-gonic/gin"
)

func flatten(rec *store.Record) map[string]interface{} {
	out := map[string]interface{}{
		"id":         rec.ID,
		"version":    rec.Version,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
	for k, v := range rec.Data {
		// поля пользователя не дают перетирать служебные, если вдруг совпадут
		if _, clash := out[k]; clash {
			out["data."+k] = v
			continue
		}
		out[k] = v
	}
	return out
}

// requestContext собирает контекст сохранения из запроса: значения окружения
// для дефолтов вида $current_user доезжают до любого уровня вложенности
func requestContext(c *gin.Context, partial bool) *nested.Context {
	amb := map[string]any{}
	if u := strings.TrimSpace(c.GetHeader("X-User-Id")); u != "" {
		amb["current_user"] = u
	}
	return &nested.Context{Ambient: amb, Partial: partial}
}

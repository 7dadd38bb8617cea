package api

import (
	"errors"
	"net/http"

	"matryoshka/internal/nested"
	"matryoshka/internal/store"

	"github.com/gin-gonic/gin"
)

// Server — всё, что нужно хендлерам: хранилище, движок вложенного
// сохранения и blob-хранилище для вложений
type Server struct {
	St   *store.Storage
	Eng  *nested.Engine
	Blob BlobStore
}

func NewServer(st *store.Storage) *Server {
	return &Server{St: st, Eng: nested.New(st)}
}

// FieldError и коды живут в пакете движка — формат ответа API тот же
type FieldError = nested.FieldError

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// statusForTree — 409 для конфликтных ошибок на любой глубине дерева
func statusForTree(t nested.Tree) int {
	if t.HasCode(nested.ErrUniqueViolation) ||
		t.HasCode(nested.ErrRefNotFound) ||
		t.HasCode(nested.ErrProtected) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// respondSaveError превращает ошибку движка в HTTP-ответ.
// Дерево ошибок отдаётся как есть: клиент видит ошибки в той же форме,
// в какой прислал payload.
func respondSaveError(c *gin.Context, err error) {
	var ve *nested.ValidationError
	if errors.As(err, &ve) {
		c.JSON(statusForTree(ve.Tree), gin.H{"errors": ve.Tree})
		return
	}
	var ce *nested.ContractError
	if errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": ce.Msg})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

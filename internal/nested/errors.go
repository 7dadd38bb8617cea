package nested

import "fmt"

// FieldError — ошибка уровня поля, тот же формат, что отдаёт API
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок, которыми будем пользоваться
const (
	ErrRequired        = "required"
	ErrTypeMismatch    = "type_mismatch"
	ErrEnumInvalid     = "enum_invalid"
	ErrDictInvalid     = "dict_invalid"
	ErrUniqueViolation = "unique_violation"
	ErrRefNotFound     = "ref_not_found"
	ErrNotFound        = "not_found"
	ErrReadOnly        = "readonly_field"
	ErrVersionConflict = "version_conflict"
	ErrProtected       = "protected_relation"
	ErrMultipleMatches = "multiple_matches"
)

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// Tree — дерево ошибок, зеркалящее форму payload'а:
//
//	поле → []FieldError            ошибки самого поля
//	поле → Tree                    ошибки вложенной связи (single)
//	поле → []any (Tree | Tree{})   позиционный список для коллекций,
//	                               пустое дерево = элемент сохранился
type Tree map[string]any

// Add дописывает ошибку поля, не затирая уже накопленные
func (t Tree) Add(e FieldError) {
	if cur, ok := t[e.Field].([]FieldError); ok {
		t[e.Field] = append(cur, e)
		return
	}
	t[e.Field] = []FieldError{e}
}

// AddAll — пачка ошибок плоской валидации
func (t Tree) AddAll(errs []FieldError) {
	for _, e := range errs {
		t.Add(e)
	}
}

// HasCode — есть ли в дереве (на любой глубине) ошибка с данным кодом.
// Нужен хендлерам для выбора HTTP-статуса (409 для конфликтов).
func (t Tree) HasCode(code string) bool {
	for _, v := range t {
		if hasCode(v, code) {
			return true
		}
	}
	return false
}

func hasCode(v any, code string) bool {
	switch x := v.(type) {
	case []FieldError:
		for _, e := range x {
			if e.Code == code {
				return true
			}
		}
	case Tree:
		return x.HasCode(code)
	case []any:
		for _, it := range x {
			if hasCode(it, code) {
				return true
			}
		}
	}
	return false
}

// ValidationError — итог неуспешного сохранения графа: одно дерево ошибок
// на весь payload. Частичных успехов не бывает, хранилище откатывается.
type ValidationError struct {
	Tree Tree
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d field(s)", len(e.Tree))
}

// ContractError — ошибка программирования (неверная форма save-аргументов,
// кривая конфигурация match_on). Не восстановима на рантайме, хендлеры
// отвечают 500.
type ContractError struct {
	Msg string
}

func (e *ContractError) Error() string { return e.Msg }

func contractf(format string, args ...any) *ContractError {
	return &ContractError{Msg: fmt.Sprintf(format, args...)}
}

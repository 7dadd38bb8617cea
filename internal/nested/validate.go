package nested

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"matryoshka/internal/dsl"
	"matryoshka/internal/store"
)

// Context — контекст одного запроса на сохранение. Передаётся без изменений
// вглубь по всем уровням вложенности, чтобы дефолты из окружения
// (например текущий пользователь) доезжали и до внуков.
type Context struct {
	Ambient map[string]any // значения окружения для default=$...
	Partial bool           // частичное обновление (PATCH)
}

// validateOpts — режим валидации одного уровня схемы.
// Unique-проверки здесь не запускаются никогда: движок либо откладывает их
// до момента записи (deferred), либо выключает совсем (get-or-create).
type validateOpts struct {
	Partial bool // не требовать required-поля
}

// validateSchema валидирует и НОРМАЛИЗУЕТ obj под схему.
// Relation-поля с вложенными структурами пропускаются — ими занимается
// движок; ref со строковым значением проверяется на существование.
func validateSchema(st *store.Storage, schema *dsl.Entity, obj map[string]any, entityKey string, opts validateOpts) []FieldError {
	var errs []FieldError

	// 1) required
	if !opts.Partial {
		for _, f := range schema.Fields {
			if f.Options != nil && strings.EqualFold(f.Options["required"], "true") {
				if v, ok := obj[f.Name]; !ok || v == nil {
					errs = append(errs, ferr(ErrRequired, f.Name, "Field '"+f.Name+"' is required"))
				}
			}
		}
	}

	// 2) строгая проверка типов и нормализация значений
	fieldByName := make(map[string]dsl.Field, len(schema.Fields))
	for _, f := range schema.Fields {
		fieldByName[f.Name] = f
	}

	for name, val := range obj {
		f, ok := fieldByName[name]
		if !ok {
			// неизвестные поля игнорируем: сюда попадают значения,
			// подброшенные предком при вложенном сохранении
			continue
		}
		if val == nil {
			// null допустим для необязательных полей и для сброса ref
			continue
		}

		switch f.Type {
		case "child", "children", "many", "generic":
			// обратные связи валидирует движок по под-схемам
			continue
		case "ref":
			// строка — это id, проверяем существование;
			// map — вложенный payload, им займётся резолвер
			if _, isMap := val.(map[string]any); isMap {
				continue
			}
			s, isStr := val.(string)
			if !isStr {
				errs = append(errs, ferr(ErrTypeMismatch, name, "Field '"+name+"' must be an id or a nested object"))
				continue
			}
			target, ok := st.NormalizeFQN(f.RefTarget)
			if !ok && !strings.Contains(f.RefTarget, ".") {
				target, ok = st.NormalizeFQN(schema.Module + "." + f.RefTarget)
			}
			if !ok || s == "" || !st.Exists(target, s) {
				errs = append(errs, ferr(ErrRefNotFound, name, "Referenced '"+f.RefTarget+"' not found"))
			}
			continue
		case "dict":
			s, isStr := val.(string)
			if !isStr {
				errs = append(errs, ferr(ErrTypeMismatch, name, "Field '"+name+"' must be a dictionary code"))
				continue
			}
			if !dictHasCode(st, f.DictName, s) {
				errs = append(errs, ferr(ErrDictInvalid, name, fmt.Sprintf("Value %q is not in dictionary %q", s, f.DictName)))
			}
			continue
		}

		norm, err := coerceValue(f, val)
		if err != nil {
			errs = append(errs, ferr(ErrTypeMismatch, name, "Field '"+name+"' "+err.Error()))
			continue
		}
		obj[name] = norm
	}

	return errs
}

// checkUniqueNow запускает отложенные unique-проверки непосредственно перед
// записью. На этапе парсинга они бы ложно срабатывали на соседей, которых
// этот же save сейчас заменит.
func checkUniqueNow(st *store.Storage, schema *dsl.Entity, entityKey string, obj map[string]any, excludeID string) []FieldError {
	var errs []FieldError

	for _, f := range schema.Fields {
		if f.Options != nil && strings.EqualFold(f.Options["unique"], "true") {
			if v, ok := obj[f.Name]; ok && v != nil {
				if st.ViolatesUnique(entityKey, f.Name, v, excludeID) {
					errs = append(errs, ferr(ErrUniqueViolation, f.Name, "Field '"+f.Name+"' must be unique"))
				}
			}
		}
	}

	// составные unique (constraints.unique)
	for _, uniqueSet := range schema.Constraints.Unique {
		if len(uniqueSet) == 0 {
			continue
		}
		key := make([]string, len(uniqueSet))
		allPresent := true
		for i, fname := range uniqueSet {
			v, ok := obj[fname]
			if !ok {
				allPresent = false
				break
			}
			key[i] = fmt.Sprintf("%v", v)
		}
		if !allPresent {
			continue
		}
		if st.ViolatesCompositeUnique(entityKey, uniqueSet, key, excludeID) {
			errs = append(errs, ferr(ErrUniqueViolation, uniqueSet[0],
				fmt.Sprintf("Fields %v must be unique together", uniqueSet)))
		}
	}

	return errs
}

func dictHasCode(st *store.Storage, dictName, code string) bool {
	dir, ok := st.Enums[dictName]
	if !ok {
		return false
	}
	for _, it := range dir.Items {
		if it.Code == code {
			return true
		}
	}
	return false
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`) // YYYY-MM-DD
)

func coerceValue(f dsl.Field, v interface{}) (interface{}, error) {
	switch f.Type {
	case "string":
		return toStringStrict(v)
	case "int":
		return toIntStrict(v)
	case "float", "money":
		return toFloatStrict(v)
	case "bool":
		return toBoolStrict(v)
	case "date":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if !dateRe.MatchString(s) {
			return nil, errors.New("must match YYYY-MM-DD")
		}
		// легкая валидация корректности даты
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, errors.New("invalid date")
		}
		return s, nil
	case "datetime":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		// примем RFC3339 (в т.ч. с миллисекундами)
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, errors.New("must be RFC3339 datetime")
		}
		return s, nil
	case "enum":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		for _, ev := range f.Enum {
			if s == ev {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value '%s' is not allowed", s)
	case "array":
		arr, ok := v.([]interface{})
		if !ok {
			// позволим CSV для простоты: "a,b,c"
			if s, isStr := v.(string); isStr {
				parts := strings.Split(s, ",")
				tmp := make([]interface{}, 0, len(parts))
				for _, p := range parts {
					tmp = append(tmp, strings.TrimSpace(p))
				}
				arr = tmp
			} else {
				return nil, errors.New("must be array")
			}
		}
		out := make([]interface{}, 0, len(arr))
		// "виртуальное" поле для элемента
		elemField := dsl.Field{
			Type: f.ElemType,
			Enum: f.Enum,
		}
		for i, ev := range arr {
			norm, err := coerceValue(elemField, ev)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %v", i, err)
			}
			out = append(out, norm)
		}
		return out, nil
	default:
		// неизвестный тип — оставим как есть
		return v, nil
	}
}

func toStringStrict(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		return "", errors.New("must be string")
	}
}

func toIntStrict(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON числа приходят как float64 — проверяем целостность
		if t != float64(int64(t)) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.New("must be float")
		}
		return f, nil
	default:
		return 0, errors.New("must be float")
	}
}

func toBoolStrict(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, errors.New("must be boolean")
		}
	default:
		return false, errors.New("must be boolean")
	}
}

// ApplyDefaults применяет default= для отсутствующих полей.
// Значения вида $имя берутся из контекста запроса (Ambient) — так дефолт
// "текущий пользователь" доезжает до любой глубины вложенности.
func ApplyDefaults(schema *dsl.Entity, obj map[string]any, ctx *Context) {
	for _, f := range schema.Fields {
		if f.Options == nil {
			continue
		}
		def, ok := f.Options["default"]
		if !ok {
			continue
		}
		if v, exists := obj[f.Name]; exists && v != nil {
			continue
		}
		if strings.HasPrefix(def, "$") {
			if ctx == nil || ctx.Ambient == nil {
				continue
			}
			if v, ok := ctx.Ambient[strings.TrimPrefix(def, "$")]; ok {
				obj[f.Name] = v
			}
			continue
		}
		// дефолт приходит строкой — coerceValue сам ругнется, если не влезет
		v, err := coerceValue(f, def)
		if err == nil {
			obj[f.Name] = v
		}
		// если дефолт некорректен — просто не подставляем (не валим запрос)
	}
}

// CheckReadonlyAndSystem — проверка системных/readonly полей.
// Возвращает []FieldError, если клиент пытался задать/менять защищённые поля.
// Особый случай: "version" разрешаем передавать как hint для optimistic lock,
// но СНИМАЕМ его из payload, чтобы не перезаписать в хранилище.
func CheckReadonlyAndSystem(schema *dsl.Entity, obj map[string]any, isCreate bool) (errs []FieldError) {
	// системные поля
	sys := []string{"id", "created_at", "updated_at", "version"}
	for _, k := range sys {
		if _, ok := obj[k]; ok {
			if k == "version" {
				// разрешаем присутствие для If-Match-подобной логики, но не даём записать в Data
				delete(obj, k)
				continue
			}
			errs = append(errs, ferr(ErrReadOnly, k, "Field '"+k+"' is read-only"))
		}
	}
	// readonly из схемы
	for _, f := range schema.Fields {
		if f.Options != nil && strings.EqualFold(f.Options["readonly"], "true") {
			if _, ok := obj[f.Name]; ok {
				errs = append(errs, ferr(ErrReadOnly, f.Name, "Field '"+f.Name+"' is read-only"))
			}
		}
	}
	return
}

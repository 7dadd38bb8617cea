package nested

import (
	"matryoshka/internal/relation"
)

// bucket — связь, найденная в payload'е: дескриптор плюс фактический ключ
// (payload может адресовать связь и конвенционным именем с суффиксом "_set")
type bucket struct {
	d   *relation.Descriptor
	key string
}

// extractRelations раскладывает validated-payload на прямые и обратные
// связи, УДАЛЯЯ их из payload'а — родительская запись пишется без вложенных
// структур. Правила:
//
//   - отсутствие поля в payload'е — no-op, не ошибка (multipart не умеет
//     вложенные структуры);
//   - прямой ref со значением null НЕ извлекается: null проходит насквозь
//     и штатно сбрасывает FK;
//   - прямой ref со строкой — обычный атрибут (уже проверен валидацией);
//   - обратные связи извлекаются всегда, включая null (null на update
//     означает «отцепить/удалить всех детей»).
func extractRelations(reg *relation.Registry, fqn string, validated map[string]any) (direct, reverse []bucket) {
	for _, d := range reg.Relations(fqn) {
		key, ok := payloadKey(d, validated)
		if !ok {
			continue
		}
		v := validated[key]

		if d.Kind == relation.DirectRef {
			if v == nil {
				continue
			}
			if _, isMap := v.(map[string]any); !isMap {
				continue
			}
			delete(validated, key)
			direct = append(direct, bucket{d: d, key: key})
			continue
		}

		delete(validated, key)
		reverse = append(reverse, bucket{d: d, key: key})
	}
	return direct, reverse
}

func payloadKey(d *relation.Descriptor, payload map[string]any) (string, bool) {
	if _, ok := payload[d.Field]; ok {
		return d.Field, true
	}
	if _, ok := payload[d.Field+"_set"]; ok {
		return d.Field + "_set", true
	}
	return "", false
}

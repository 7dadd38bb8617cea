package store

import "fmt"

// ViolatesUnique — проверка уникальности по одному полю (in-memory).
// Сравнение по строковому представлению, как и в остальном хранилище.
func (s *Storage) ViolatesUnique(entity, field string, value interface{}, excludeID string) bool {
	needle := fmt.Sprintf("%v", value)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, rec := range s.Data[entity] {
		if rec == nil || rec.Deleted || id == excludeID {
			continue
		}
		if v, ok := rec.Data[field]; ok {
			if fmt.Sprintf("%v", v) == needle {
				return true
			}
		}
	}
	return false
}

// ViolatesCompositeUnique — составной unique-ключ из constraints
func (s *Storage) ViolatesCompositeUnique(entity string, fields []string, values []string, excludeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, rec := range s.Data[entity] {
		if rec == nil || rec.Deleted || id == excludeID {
			continue
		}
		match := true
		for i, fname := range fields {
			if fmt.Sprintf("%v", rec.Data[fname]) != values[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

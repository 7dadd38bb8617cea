package store

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"matryoshka/internal/dsl"
	"matryoshka/internal/reference"
	"matryoshka/internal/relation"

	"github.com/oklog/ulid/v2"
)

type Record struct {
	ID        string                 `json:"id"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Deleted   bool                   `json:"-"`
	Data      map[string]interface{} `json:"data"`
}

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
)

// ProtectedError — удаление заблокировано входящими ссылками (on_delete=restrict)
type ProtectedError struct {
	Blocked []string // метки заблокированных записей вида "module.Entity:id"
}

func (e *ProtectedError) Error() string {
	var sb []byte
	for i, b := range e.Blocked {
		if i > 0 {
			sb = append(sb, ", "...)
		}
		sb = append(sb, b...)
	}
	return fmt.Sprintf("cannot delete %s because protected relation exists", string(sb))
}

// Storage — in-memory хранилище записей. Схемы и реестр связей кладутся
// сюда же: все операции со связями (join-таблицы, generic-ссылки, защита
// удаления) ходят через дескрипторы реестра.
type Storage struct {
	mu       sync.RWMutex
	Schemas  map[string]*dsl.Entity
	Registry *relation.Registry
	Enums    map[string]reference.EnumDirectory
	Data     map[string]map[string]*Record // FQN -> id -> запись

	// join-таблицы many-to-many: "<parentFQN>.<field>" -> parentID -> set(childID)
	links map[string]map[string]map[string]struct{}

	entropy io.Reader
}

// NewStorage наполняет схемы/энумы и готов к работе
func NewStorage(entities map[string]*dsl.Entity, reg *relation.Registry, enumCatalog map[string]reference.EnumDirectory) *Storage {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &Storage{
		Schemas:  make(map[string]*dsl.Entity, len(entities)),
		Registry: reg,
		Enums:    enumCatalog,
		Data:     make(map[string]map[string]*Record),
		links:    make(map[string]map[string]map[string]struct{}),
		entropy:  ulid.Monotonic(src, 0),
	}
	for fqn, e := range entities {
		s.Schemas[fqn] = e
	}
	return s
}

// SwapSchemas атомарно подменяет схемы, реестр связей и справочники.
// Данные записей при этом не трогаются (горячая перезагрузка DSL).
func (s *Storage) SwapSchemas(entities map[string]*dsl.Entity, reg *relation.Registry, enums map[string]reference.EnumDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Schemas = entities
	s.Registry = reg
	s.Enums = enums
}

func (s *Storage) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Storage) Exists(entity, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.Data[entity]
	if m == nil {
		return false
	}
	rec := m[id]
	return rec != nil && !rec.Deleted
}

// Get возвращает живую запись или ErrNotFound
func (s *Storage) Get(entity, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.Data[entity][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

// FetchByIDs — батч-выборка по списку ключей (один обход на всю связь,
// а не запрос на каждого ребёнка)
func (s *Storage) FetchByIDs(entity string, ids []string) map[string]*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Record, len(ids))
	m := s.Data[entity]
	if m == nil {
		return out
	}
	for _, id := range ids {
		if rec := m[id]; rec != nil && !rec.Deleted {
			out[id] = rec
		}
	}
	return out
}

// All — все живые записи сущности
func (s *Storage) All(entity string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.Data[entity]
	out := make([]*Record, 0, len(m))
	for _, r := range m {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

// Insert создаёт запись с новым id, версия 1
func (s *Storage) Insert(entity string, data map[string]any) *Record {
	id := s.NewID()
	now := time.Now().UTC()
	rec := &Record{
		ID:        id,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Data[entity] == nil {
		s.Data[entity] = make(map[string]*Record)
	}
	s.Data[entity][id] = rec
	return rec
}

// Replace перезаписывает Data записи целиком. expVer >= 0 — проверка
// оптимистической блокировки; expVer < 0 — без проверки (внутренние
// обновления движка вложенных записей).
func (s *Storage) Replace(entity, id string, expVer int64, data map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.Data[entity][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	if expVer >= 0 && rec.Version != expVer {
		return nil, fmt.Errorf("%w: expected version %d", ErrVersionConflict, rec.Version)
	}
	rec.Data = data
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}

// Merge вливает patch в Data записи (PATCH-семантика)
func (s *Storage) Merge(entity, id string, expVer int64, patch map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.Data[entity][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	if expVer >= 0 && rec.Version != expVer {
		return nil, fmt.Errorf("%w: expected version %d", ErrVersionConflict, rec.Version)
	}
	for k, v := range patch {
		rec.Data[k] = v
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}

// SoftDelete помечает запись удалённой (API-уровень)
func (s *Storage) SoftDelete(entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.Data[entity][id]
	if rec == nil || rec.Deleted {
		return ErrNotFound
	}
	rec.Deleted = true
	rec.UpdatedAt = time.Now().UTC()
	rec.Version++
	return nil
}

// Restore возвращает soft-deleted запись к жизни
func (s *Storage) Restore(entity, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.Data[entity][id]
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.Deleted {
		rec.Deleted = false
		rec.UpdatedAt = time.Now().UTC()
		rec.Version++
	}
	return rec, nil
}

// HardDelete удаляет записи физически (reconciler-путь). Перед удалением
// проверяем входящие restrict-ссылки; ссылки из записей, которые сами
// попали в этот же набор удаления, не блокируют.
func (s *Storage) HardDelete(entity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	del := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		del[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked []string
	for _, d := range s.Registry.Incoming(entity) {
		if d.Kind != relation.DirectRef || d.OnDelete != "restrict" {
			continue
		}
		for refID, rec := range s.Data[d.Parent] {
			if rec == nil || rec.Deleted {
				continue
			}
			if d.Parent == entity {
				if _, gone := del[refID]; gone {
					continue
				}
			}
			tgt, _ := rec.Data[d.Field].(string)
			if _, hit := del[tgt]; hit {
				blocked = append(blocked, entity+":"+tgt)
			}
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return &ProtectedError{Blocked: dedup(blocked)}
	}

	for _, id := range ids {
		delete(s.Data[entity], id)
	}
	// вычищаем join-строки, где удалённые записи были детьми
	for _, byParent := range s.links {
		for _, set := range byParent {
			for id := range del {
				delete(set, id)
			}
		}
	}
	return nil
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// ---- many-to-many ----

// Associate добавляет join-строки (аддитивно, существующие не трогаем)
func (s *Storage) Associate(joinKey, parentID string, childIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[joinKey] == nil {
		s.links[joinKey] = make(map[string]map[string]struct{})
	}
	set := s.links[joinKey][parentID]
	if set == nil {
		set = make(map[string]struct{})
		s.links[joinKey][parentID] = set
	}
	for _, id := range childIDs {
		set[id] = struct{}{}
	}
}

// Dissociate снимает join-строки, сами записи-дети не трогаются
func (s *Storage) Dissociate(joinKey, parentID string, childIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.links[joinKey][parentID]
	for _, id := range childIDs {
		delete(set, id)
	}
}

// LinkedIDs — дети parentID в join-таблице, отсортированы для стабильности
func (s *Storage) LinkedIDs(joinKey, parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.links[joinKey][parentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ---- выборки по значению поля ----

// FindByField — id живых записей, у которых Data[field] == value
func (s *Storage) FindByField(entity, field, value string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, rec := range s.Data[entity] {
		if rec == nil || rec.Deleted {
			continue
		}
		if v, _ := rec.Data[field].(string); v == value {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FindByOwner — выборка по полиморфной ссылке (owner_type + owner_id)
func (s *Storage) FindByOwner(entity, ctypeField, oidField, ctype, oid string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, rec := range s.Data[entity] {
		if rec == nil || rec.Deleted {
			continue
		}
		ct, _ := rec.Data[ctypeField].(string)
		ov, _ := rec.Data[oidField].(string)
		if ct == ctype && ov == oid {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FindIncomingRefs возвращает первую найденную входящую ссылку на
// (targetEntityFQN, targetID). Если ссылок нет — ok=false.
func (s *Storage) FindIncomingRefs(targetEntityFQN, targetID string) (refEntityFQN, refField string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.Registry.Incoming(targetEntityFQN) {
		if d.Kind != relation.DirectRef {
			continue
		}
		for _, rec := range s.Data[d.Parent] {
			if rec == nil || rec.Deleted {
				continue
			}
			if id, _ := rec.Data[d.Field].(string); id == targetID {
				return d.Parent, d.Field, true
			}
		}
	}
	return "", "", false
}

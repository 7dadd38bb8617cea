package store

// Snapshot — срез состояния хранилища на момент вызова. Движок вложенного
// сохранения делает срез перед записью графа и откатывается при любой
// ошибке, чтобы не оставить частично записанных детей.
type Snapshot struct {
	data  map[string]map[string]*Record
	links map[string]map[string]map[string]struct{}
}

func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		data:  make(map[string]map[string]*Record, len(s.Data)),
		links: make(map[string]map[string]map[string]struct{}, len(s.links)),
	}
	for fqn, recs := range s.Data {
		m := make(map[string]*Record, len(recs))
		for id, rec := range recs {
			cp := *rec
			cp.Data = copyData(rec.Data)
			m[id] = &cp
		}
		snap.data[fqn] = m
	}
	for key, byParent := range s.links {
		m := make(map[string]map[string]struct{}, len(byParent))
		for pid, set := range byParent {
			cs := make(map[string]struct{}, len(set))
			for cid := range set {
				cs[cid] = struct{}{}
			}
			m[pid] = cs
		}
		snap.links[key] = m
	}
	return snap
}

// RestoreSnapshot откатывает состояние к срезу
func (s *Storage) RestoreSnapshot(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Data = snap.data
	s.links = snap.links
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyData(t)
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = copyValue(it)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

package dsl

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	entityRe           = regexp.MustCompile(`^entity\s+(\w+):`)
	fieldRe            = regexp.MustCompile(`^\s*([\w_]+):\s*([^\s#]+)(.*)$`)
	enumRe             = regexp.MustCompile(`^enum\[(.*)\]$`)
	refRe              = regexp.MustCompile(`^ref\[([A-Za-z0-9_.]+)\]$`)
	childRe            = regexp.MustCompile(`^child\[([A-Za-z0-9_.]+)\]$`)
	childrenRe         = regexp.MustCompile(`^children\[([A-Za-z0-9_.]+)\]$`)
	manyRe             = regexp.MustCompile(`^many\[([A-Za-z0-9_.]+)\]$`)
	genericRe          = regexp.MustCompile(`^generic\[([A-Za-z0-9_.]+)\]$`)
	dictRe             = regexp.MustCompile(`^dict\[([A-Za-z0-9_-]+)\]$`)
	arrayRe            = regexp.MustCompile(`^array\[(.+)\]$`)
	moduleRe           = regexp.MustCompile(`^\s*module\s+([A-Za-z0-9_.-]+)\s*$`)
	reConstraintsStart = regexp.MustCompile(`^\s*constraints\s*:\s*$`)
	reUniqueLine       = regexp.MustCompile(`^\s*unique\s*\(\s*([^)]+)\s*\)\s*$`)
)

// splitOptionTokens делит "k=v k2='v 2' pattern=^[A-Z0-9 _-]+$" на токены,
// не рвёт по пробелам внутри кавычек/скобок
func splitOptionTokens(s string) []string {
	var out []string
	var buf []rune
	inSingle, inDouble := false, false
	bracketDepth := 0 // внутри [ ... ] у регэкспа

	flush := func() {
		if len(buf) > 0 {
			out = append(out, string(buf))
			buf = buf[:0]
		}
	}

	for _, r := range s {
		switch r {
		case '\'':
			if !inDouble && bracketDepth == 0 {
				inSingle = !inSingle
			}
			buf = append(buf, r)
		case '"':
			if !inSingle && bracketDepth == 0 {
				inDouble = !inDouble
			}
			buf = append(buf, r)
		case '[':
			if !inSingle && !inDouble {
				bracketDepth++
			}
			buf = append(buf, r)
		case ']':
			if !inSingle && !inDouble && bracketDepth > 0 {
				bracketDepth--
			}
			buf = append(buf, r)
		default:
			// разделитель — пробел И ТОЛЬКО если мы не в кавычках и не внутри [...]
			if (r == ' ' || r == '\t') && !inSingle && !inDouble && bracketDepth == 0 {
				flush()
				continue
			}
			buf = append(buf, r)
		}
	}
	flush()
	return out
}

// splitRelTarget разбирает "Target.fk" из child[...]/children[...].
// Неоднозначность: "core.Comment" — это модуль+сущность, а "Comment.post" —
// сущность+FK. Считаем часть после точки FK-полем, если она начинается
// со строчной буквы, а часть до точки — с заглавной.
func splitRelTarget(raw string) (target, fk string) {
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		if isLowerIdent(parts[1]) && !isLowerIdent(parts[0]) {
			return parts[0], parts[1]
		}
		return raw, ""
	case 3:
		// module.Entity.fk
		return parts[0] + "." + parts[1], parts[2]
	default:
		return raw, ""
	}
}

func isLowerIdent(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= 'a' && c <= 'z'
}

// LoadEntities читает один .dsl-файл и возвращает список Entity
func LoadEntities(path string) ([]*Entity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entities []*Entity
	var current *Entity
	currentModule := ""
	inConstraints := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// module ...
		if m := moduleRe.FindStringSubmatch(line); m != nil {
			currentModule = m[1]
			continue
		}

		// entity <Name>:
		if m := entityRe.FindStringSubmatch(line); m != nil {
			// закрыть предыдущую сущность
			if current != nil {
				entities = append(entities, current)
			}
			current = &Entity{Name: m[1]}
			if current.Module == "" {
				current.Module = currentModule
			}
			inConstraints = false
			continue
		}
		if current == nil {
			// игнорируем всё вне сущности
			continue
		}

		// ----- БЛОК CONSTRAINTS -----
		if reConstraintsStart.MatchString(line) {
			inConstraints = true
			continue
		}

		if inConstraints {
			// строка unique(...)
			if m := reUniqueLine.FindStringSubmatch(line); m != nil {
				parts := strings.Split(m[1], ",")
				set := make([]string, 0, len(parts))
				for _, p := range parts {
					p = strings.TrimSpace(p)
					if p != "" {
						set = append(set, p)
					}
				}
				if len(set) > 0 {
					current.Constraints.Unique = append(current.Constraints.Unique, set)
				}
				continue
			}

			// если началась новая секция (entity/module) — выходим из constraints и обработаем строку заново
			if strings.HasPrefix(line, "entity ") || strings.HasPrefix(line, "module ") {
				inConstraints = false
				// НЕ continue — пускай ниже обработается как entity/module
			} else {
				// любая другая строка — выходим из блока constraints
				inConstraints = false
				continue
			}
		}
		// ----- КОНЕЦ БЛОКА CONSTRAINTS -----

		// Поля
		if m := fieldRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			rawType := m[2]
			tail := m[3] // остаток после типа (опции)

			// склейка оборванных типов со скобками
			for _, prefix := range []string{"enum[", "array["} {
				if strings.HasPrefix(rawType, prefix) && !strings.Contains(rawType, "]") {
					if idx := strings.Index(tail, "]"); idx >= 0 {
						rawType = rawType + tail[:idx+1]
						tail = tail[idx+1:]
					}
				}
			}

			// --- нормализация опций ПОСЛЕ типа ---
			optsRaw := strings.TrimSpace(tail)

			// срезать комментарий
			if i := strings.IndexByte(optsRaw, '#'); i >= 0 {
				optsRaw = strings.TrimSpace(optsRaw[:i])
			}
			// убрать необязательный префикс "options:"
			if strings.HasPrefix(strings.ToLower(optsRaw), "options:") {
				optsRaw = strings.TrimSpace(optsRaw[len("options:"):])
			}
			// запятые считаем разделителями
			optsRaw = strings.ReplaceAll(optsRaw, ",", " ")

			optsTokens := splitOptionTokens(optsRaw)

			f := Field{
				Name:    name,
				Type:    rawType,
				Options: map[string]string{},
			}

			// распознаём тип
			switch {
			case enumRe.MatchString(rawType):
				mm := enumRe.FindStringSubmatch(rawType)
				f.Type = "enum"
				for _, p := range strings.Split(mm[1], ",") {
					s := strings.Trim(strings.TrimSpace(p), `"'`)
					if s != "" {
						f.Enum = append(f.Enum, s)
					}
				}
			case refRe.MatchString(rawType):
				mm := refRe.FindStringSubmatch(rawType)
				f.Type = "ref"
				f.RefTarget = strings.TrimSpace(mm[1])
			case childRe.MatchString(rawType):
				mm := childRe.FindStringSubmatch(rawType)
				f.Type = "child"
				f.RefTarget, f.FKField = splitRelTarget(strings.TrimSpace(mm[1]))
			case childrenRe.MatchString(rawType):
				mm := childrenRe.FindStringSubmatch(rawType)
				f.Type = "children"
				f.RefTarget, f.FKField = splitRelTarget(strings.TrimSpace(mm[1]))
			case manyRe.MatchString(rawType):
				mm := manyRe.FindStringSubmatch(rawType)
				f.Type = "many"
				f.RefTarget = strings.TrimSpace(mm[1])
			case genericRe.MatchString(rawType):
				mm := genericRe.FindStringSubmatch(rawType)
				f.Type = "generic"
				f.RefTarget = strings.TrimSpace(mm[1])
			case dictRe.MatchString(rawType):
				mm := dictRe.FindStringSubmatch(rawType)
				f.Type = "dict"
				f.DictName = strings.TrimSpace(mm[1])
			case arrayRe.MatchString(rawType):
				mm := arrayRe.FindStringSubmatch(rawType)
				f.Type = "array"
				elem := strings.TrimSpace(mm[1])
				f.ElemType = elem
				// array[enum[...]]
				if em := enumRe.FindStringSubmatch(elem); em != nil {
					f.ElemType = "enum"
					for _, p := range strings.Split(em[1], ",") {
						s := strings.Trim(strings.TrimSpace(p), `"'`)
						if s != "" {
							f.Enum = append(f.Enum, s)
						}
					}
				}
			default:
				// примитивы: string,int,float,money,bool,date,datetime — оставляем как есть
			}

			for _, tok := range optsTokens {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				// флаг без значения → "true"
				if !strings.Contains(tok, "=") {
					f.Options[strings.ToLower(tok)] = "true"
					continue
				}
				kv := strings.SplitN(tok, "=", 2)
				k := strings.ToLower(strings.TrimSpace(kv[0]))
				v := strings.TrimSpace(kv[1])
				// снять кавычки, если есть
				if len(v) >= 2 {
					if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
						v = v[1 : len(v)-1]
					}
				}
				if k != "" {
					f.Options[k] = v
				}
			}

			current.Fields = append(current.Fields, f)
			continue
		}
	}

	if current != nil {
		entities = append(entities, current)
	}
	return entities, scanner.Err()
}

// MatchOn возвращает ключ сопоставления для get-or-create из опции match_on:
//
//	match_on=pk      — по первичному ключу (дефолт)
//	match_on=all     — по всем объявленным полям
//	match_on=a+b     — по набору полей
func (f Field) MatchOn() (all bool, fields []string) {
	raw := strings.TrimSpace(f.Options["match_on"])
	switch raw {
	case "", "pk":
		return false, nil
	case "all":
		return true, nil
	}
	for _, p := range strings.Split(raw, "+") {
		p = strings.TrimSpace(p)
		if p != "" {
			fields = append(fields, p)
		}
	}
	return false, fields
}

// LoadAllEntities читает все *.dsl под root и складывает их по FQN
func LoadAllEntities(root string) (map[string]*Entity, error) {
	result := make(map[string]*Entity)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".dsl") {
			return nil
		}

		ents, err := LoadEntities(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, e := range ents {
			if e == nil || e.Name == "" {
				return fmt.Errorf("empty entity name in %s", path)
			}
			if e.Module == "" {
				return fmt.Errorf("entity %q in %s has no module, add `module <name>` at the top", e.Name, path)
			}
			fqn := e.FQN()
			if _, exists := result[fqn]; exists {
				return fmt.Errorf("duplicate entity %q in module %q (file: %s)", e.Name, e.Module, path)
			}
			result[fqn] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

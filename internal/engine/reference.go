package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Границы ссылки в строковых параметрах.
const (
	refOpen  = "{{"
	refClose = "}}"
)

// Ref — разобранная ссылка {{ node.key.path }}.
type Ref struct {
	// Raw — исходный текст токена вместе со скобками.
	Raw string

	// Path — сегменты пути. Path[0] — имя узла (или входа), Path[1] — ключ output.
	Path []string
}

// Node возвращает первый сегмент пути.
func (r Ref) Node() string {
	return r.Path[0]
}

// Key возвращает ключ output или "", если ссылка указывает на узел целиком.
func (r Ref) Key() string {
	if len(r.Path) < 2 {
		return ""
	}
	return r.Path[1]
}

// String возвращает каноническую запись ссылки.
func (r Ref) String() string {
	return refOpen + " " + strings.Join(r.Path, ".") + " " + refClose
}

// WithPath возвращает ссылку с новым путём (Raw пересобирается).
func (r Ref) WithPath(path ...string) Ref {
	out := Ref{Path: path}
	out.Raw = out.String()
	return out
}

// Fragment — кусок разобранной строки: либо литерал, либо ссылка.
type Fragment struct {
	Text string
	Ref  *Ref
}

// ParseTemplate разбивает строку на литералы и ссылки.
//
// Грамматика ссылки: {{ segment(.segment)* }}, segment = [A-Za-z0-9_-]+,
// пробелы внутри скобок допускаются. Незакрытая "{{" — ошибка.
func ParseTemplate(s string) ([]Fragment, error) {
	if !strings.Contains(s, refOpen) {
		return []Fragment{{Text: s}}, nil
	}

	var frags []Fragment
	rest := s
	for {
		start := strings.Index(rest, refOpen)
		if start < 0 {
			if rest != "" {
				frags = append(frags, Fragment{Text: rest})
			}
			return frags, nil
		}
		if start > 0 {
			frags = append(frags, Fragment{Text: rest[:start]})
		}

		end := strings.Index(rest[start+len(refOpen):], refClose)
		if end < 0 {
			return nil, &ReferenceError{Token: rest[start:], Err: fmt.Errorf("%w: unclosed %q", ErrMalformedReference, refOpen)}
		}
		end += start + len(refOpen)

		raw := rest[start : end+len(refClose)]
		ref, err := parseRef(raw, rest[start+len(refOpen):end])
		if err != nil {
			return nil, err
		}
		frags = append(frags, Fragment{Ref: &ref})

		rest = rest[end+len(refClose):]
	}
}

// parseRef разбирает содержимое между скобками.
func parseRef(raw, inner string) (Ref, error) {
	expr := strings.TrimSpace(inner)
	if expr == "" {
		return Ref{}, &ReferenceError{Token: raw, Err: fmt.Errorf("%w: empty expression", ErrMalformedReference)}
	}

	path := strings.Split(expr, ".")
	for _, seg := range path {
		if !validSegment(seg) {
			return Ref{}, &ReferenceError{Token: raw, Err: fmt.Errorf("%w: invalid segment %q", ErrMalformedReference, seg)}
		}
	}

	return Ref{Raw: raw, Path: path}, nil
}

// validSegment проверяет сегмент пути.
func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, c := range seg {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// SingleRef возвращает ссылку, если строка целиком состоит из одного токена.
// Такая ссылка подставляется значением без приведения к строке.
func SingleRef(s string) (Ref, bool) {
	frags, err := ParseTemplate(s)
	if err != nil || len(frags) != 1 || frags[0].Ref == nil {
		return Ref{}, false
	}
	return *frags[0].Ref, true
}

// CollectRefs собирает все ссылки из значения (строки, []any, map[string]any рекурсивно).
func CollectRefs(value any) ([]Ref, error) {
	var refs []Ref
	_, err := RewriteRefs(value, func(ref Ref) (any, error) {
		refs = append(refs, ref)
		return ref.Raw, nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// RewriteFunc возвращает замену для ссылки.
//
// Если строка состоит из одного токена, результат подставляется как есть
// (любого типа). Иначе результат встраивается в строку: строки вставляются
// без изменений, остальные значения форматируются через FormatValue.
type RewriteFunc func(ref Ref) (any, error)

// RewriteRefs заменяет каждую ссылку в значении. Исходное значение не меняется.
func RewriteRefs(value any, fn RewriteFunc) (any, error) {
	switch v := value.(type) {
	case string:
		return rewriteString(v, fn)

	case map[string]any:
		if v == nil {
			return v, nil
		}
		result := make(map[string]any, len(v))
		for key, val := range v {
			rewritten, err := RewriteRefs(val, fn)
			if err != nil {
				return nil, err
			}
			result[key] = rewritten
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rewritten, err := RewriteRefs(val, fn)
			if err != nil {
				return nil, err
			}
			result[i] = rewritten
		}
		return result, nil

	case []string:
		result := make([]any, len(v))
		for i, val := range v {
			rewritten, err := rewriteString(val, fn)
			if err != nil {
				return nil, err
			}
			result[i] = rewritten
		}
		return result, nil

	default:
		// Для остальных типов (int, float, bool, nil) возвращаем как есть
		return value, nil
	}
}

// rewriteString заменяет ссылки в одной строке.
func rewriteString(s string, fn RewriteFunc) (any, error) {
	frags, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}

	if len(frags) == 1 {
		if frags[0].Ref == nil {
			return s, nil
		}
		return fn(*frags[0].Ref)
	}

	var b strings.Builder
	for _, frag := range frags {
		if frag.Ref == nil {
			b.WriteString(frag.Text)
			continue
		}
		val, err := fn(*frag.Ref)
		if err != nil {
			return nil, err
		}
		b.WriteString(FormatValue(val))
	}
	return b.String(), nil
}

// FormatValue приводит значение к строке для встраивания в текст.
// map и slice сериализуются в JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

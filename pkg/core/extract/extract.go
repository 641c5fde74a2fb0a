// Package extract pulls structured JSON out of free-form model output.
//
// Model responses wrap JSON in prose, code fences, or both, and occasionally
// emit slightly malformed JSON. JSON tries, in order: fenced ```json blocks,
// top-level balanced brace regions, the span from the first '{' to the last
// '}', and finally a truncated tail from the first '{'. Each candidate is
// decoded strictly first and then through the repair chain in utils. A
// candidate only counts when it carries at least one key the target knows,
// so a repaired prose fragment such as "{base case}" is never accepted.
package extract

import (
	"encoding/json"
	"reflect"
	"strings"

	"fincast/pkg/core/utils"
)

// Result is a parse-or-fallback value. When Parsed reports false, Value is
// the zero value and Raw holds the original text for the caller to keep.
type Result[T any] struct {
	Value  T
	Raw    string
	parsed bool
}

// Parsed reports whether a JSON object was decoded.
func (r Result[T]) Parsed() bool { return r.parsed }

// Fallback returns the raw text and true when nothing could be decoded.
func (r Result[T]) Fallback() (string, bool) {
	return r.Raw, !r.parsed
}

// JSON extracts the first decodable JSON object in text into a T.
func JSON[T any](text string) Result[T] {
	res := Result[T]{Raw: text}
	candidates := Candidates(text)

	for _, c := range candidates {
		var v T
		if err := json.Unmarshal([]byte(c), &v); err == nil && hasKnownKey[T](c) {
			res.Value, res.parsed = v, true
			return res
		}
	}
	for _, c := range candidates {
		var v T
		if decoded, err := utils.SmartParse(c, &v); err == nil && hasKnownKey[T](decoded) {
			res.Value, res.parsed = v, true
			return res
		}
	}
	return res
}

// hasKnownKey reports whether the JSON object in data has a key that decodes
// into a field of T. Map targets accept any non-empty object.
func hasKnownKey[T any](data string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &obj); err != nil || len(obj) == 0 {
		return false
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return true
	}
	names := fieldNames(typ, nil)
	for key := range obj {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				return true
			}
		}
	}
	return false
}

// fieldNames lists the JSON names of typ's exported fields, descending into
// embedded structs.
func fieldNames(typ reflect.Type, names []string) []string {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				names = fieldNames(ft, names)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}

// Object extracts the first JSON object in text as a generic map.
func Object(text string) (map[string]any, bool) {
	r := JSON[map[string]any](text)
	if !r.Parsed() || r.Value == nil {
		return map[string]any{}, false
	}
	return r.Value, true
}

// Candidates lists the substrings of text that may hold a JSON object, most
// specific first, without duplicates.
func Candidates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || !strings.HasPrefix(s, "{") || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, block := range utils.FencedBlocks(text, "json") {
		for _, region := range BalancedRegions(block) {
			add(region)
		}
		add(block)
	}
	for _, region := range BalancedRegions(text) {
		add(region)
	}

	first := strings.IndexByte(text, '{')
	if first < 0 {
		return out
	}
	if last := strings.LastIndexByte(text, '}'); last > first {
		add(text[first : last+1])
	}
	// truncated output: let the repair stage close it
	add(text[first:])
	return out
}

// BalancedRegions returns every top-level {...} region of text in order.
// Braces inside JSON string literals are ignored.
func BalancedRegions(text string) []string {
	var regions []string
	depth, start := 0, -1
	inString, escaped := false, false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				regions = append(regions, text[start:i+1])
				start = -1
			}
		}
	}
	return regions
}

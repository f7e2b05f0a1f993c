package mcp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// inputKey names the parameter a bare, non-object argument is stored under.
const inputKey = "input"

// ParseToolArguments converts raw model-authored argument text into a
// parameter map. Models are prompted for JSON objects but often reply with a
// bare JSON value, a YAML block, or loose "key: value" text, so those shapes
// are tried in that order. Bare values (a JSON string, number, or array) are
// wrapped under the "input" key, and text matching no shape at all is passed
// through the same way. An empty string yields an empty map, which suits
// tools that take no parameters.
func ParseToolArguments(input string) (map[string]any, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return map[string]any{}, nil
	}
	if args, ok := fromJSON(text); ok {
		return args, nil
	}
	if args, ok := fromYAML(text); ok {
		return args, nil
	}
	if args, ok := fromPairs(text); ok {
		return args, nil
	}
	return map[string]any{inputKey: text}, nil
}

// fromJSON decodes any valid JSON document. Objects become the parameter map
// directly; scalars and arrays land under the input key.
func fromJSON(text string) (map[string]any, bool) {
	data := []byte(text)
	if !json.Valid(data) {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false
	}
	if obj, isObject := value.(map[string]any); isObject {
		return obj, true
	}
	return map[string]any{inputKey: value}, true
}

// fromYAML decodes a YAML mapping, but only claims the input when at least
// one value carries structure (a list or a nested mapping). Flat "key: value"
// lines are left for the pair parser, which validates keys and rejects prose
// that merely contains a colon.
func fromYAML(text string) (map[string]any, bool) {
	var parsed map[string]any
	if yaml.Unmarshal([]byte(text), &parsed) != nil || len(parsed) == 0 {
		return nil, false
	}
	for _, v := range parsed {
		switch v.(type) {
		case []any, map[string]any:
			return parsed, true
		}
	}
	return nil, false
}

// fromPairs reads comma- or newline-separated "key: value" or "key=value"
// fragments. Every fragment must parse or the whole input is rejected, so a
// sentence with a stray colon falls through to the raw fallback. Values that
// themselves contain commas get mis-split here and take that fallback too.
func fromPairs(text string) (map[string]any, bool) {
	fragments := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	args := make(map[string]any, len(fragments))
	for _, frag := range fragments {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		key, value, ok := splitPair(frag)
		if !ok {
			return nil, false
		}
		args[key] = coerceScalar(value)
	}
	if len(args) == 0 {
		return nil, false
	}
	return args, true
}

// splitPair breaks one fragment on the first ':' or '=' whose left side
// looks like a parameter name (non-empty, no spaces).
func splitPair(frag string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		left, right, found := strings.Cut(frag, sep)
		if !found {
			continue
		}
		k := strings.TrimSpace(left)
		if k == "" || strings.ContainsRune(k, ' ') {
			continue
		}
		return k, strings.TrimSpace(right), true
	}
	return "", "", false
}

// coerceScalar maps a pair value onto a JSON-compatible type: booleans, null
// (or Python-style None), integer, then float. NaN and the infinities have
// no JSON encoding and stay strings, as does anything unparseable.
func coerceScalar(s string) any {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}
	return f
}

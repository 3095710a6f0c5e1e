// Package repair extracts and repairs the structured payload embedded in
// free-form vision model text. Models wrap JSON in markdown fences, leave
// trailing commas, forget closing brackets, and hallucinate field names;
// every stage here is skippable when the input already parses.
package repair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError means no stage yielded a valid structured object. It carries
// the raw text so the final exhausted attempt can surface a diagnostic; the
// engine never guesses a box from unparseable text.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	snippet := e.Raw
	if len(snippet) > 120 {
		snippet = snippet[:120] + "..."
	}
	return fmt.Sprintf("no structured payload in model response: %q", snippet)
}

// Field names some model families hallucinate in place of the canonical
// one. qwen is known to emit bbox_2d.
var hallucinatedFields = map[string]string{
	"bbox_2d": "bbox",
}

var (
	fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	pointRe = regexp.MustCompile(`^\((\d+)\s*,\s*(\d+)\)$`)
	// A run of two or more space-separated integers, as doubao emits
	// inside bbox values: "940 445 969 490".
	digitRunRe = regexp.MustCompile(`(\d)\s+(\d)`)
	// An object key missing its quotes: { bbox: [...] }.
	unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
)

// Extract produces a structured object from raw model text, or fails with
// ParseError. wantField is the canonical field the caller expects; it
// steers fenced-block selection and is the target of hallucinated-field
// renaming.
func Extract(raw string, wantField string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ParseError{Raw: raw}
	}

	// A bare point like "(350,80)" is a valid payload for locate answers.
	if m := pointRe.FindStringSubmatch(text); m != nil {
		x, _ := strconv.ParseFloat(m[1], 64)
		y, _ := strconv.ParseFloat(m[2], 64)
		return map[string]any{wantField: []any{x, y}}, nil
	}

	candidate := stripFence(text, wantField)

	for _, attempt := range []string{
		candidate,
		repairJSON(candidate),
		repairJSON(joinDigitRuns(candidate, wantField)),
	} {
		obj, ok := parseObject(attempt, wantField)
		if !ok {
			continue
		}
		normalized, _ := normalize(obj).(map[string]any)
		if normalized == nil {
			continue
		}
		return renameFields(normalized, wantField), nil
	}

	return nil, &ParseError{Raw: raw}
}

// stripFence unwraps a fenced code block when the payload is wrapped in
// one. Among several candidates it prefers the first containing wantField,
// falling back to the first balanced JSON object in the text.
func stripFence(text, wantField string) string {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		for _, m := range matches {
			if strings.Contains(m[1], wantField) {
				return strings.TrimSpace(m[1])
			}
		}
		return strings.TrimSpace(matches[0][1])
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}
	if inner := firstObject(text); inner != "" {
		return inner
	}
	return text
}

// firstObject scans for the first balanced {...} region, ignoring braces
// inside string literals.
func firstObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unbalanced: keep the tail, the repair pass appends closers.
	return text[start:]
}

func parseObject(text, wantField string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch parsed := v.(type) {
	case map[string]any:
		return parsed, true
	case []any:
		// A bare array is the expected field's value on its own.
		return map[string]any{wantField: parsed}, true
	default:
		return nil, false
	}
}

// repairJSON applies tolerant fixes: quote unquoted keys, drop trailing
// commas, append missing closing brackets/braces. It never invents values.
func repairJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	text = unquotedKeyRe.ReplaceAllString(text, `$1"$2":`)
	text = removeTrailingCommas(text)
	text = closeBrackets(text)
	return text
}

func removeTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(text) {
				i++
				b.WriteByte(text[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func closeBrackets(text string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		text += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			text += "}"
		} else {
			text += "]"
		}
	}
	return text
}

// joinDigitRuns rewrites space-separated digit runs inside a payload that
// mentions wantField into comma-separated lists, the doubao quirk.
func joinDigitRuns(text, wantField string) string {
	if !strings.Contains(text, wantField) {
		return text
	}
	for digitRunRe.MatchString(text) {
		text = digitRunRe.ReplaceAllString(text, "$1,$2")
	}
	return text
}

// normalize trims whitespace around keys and string values, recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[strings.TrimSpace(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case string:
		return strings.TrimSpace(val)
	default:
		return v
	}
}

// renameFields moves known hallucinated field names onto the canonical one
// without clobbering a real value.
func renameFields(obj map[string]any, wantField string) map[string]any {
	for alias, canonical := range hallucinatedFields {
		if canonical != wantField {
			continue
		}
		if v, ok := obj[alias]; ok {
			if _, exists := obj[canonical]; !exists {
				obj[canonical] = v
			}
			delete(obj, alias)
		}
	}
	return obj
}

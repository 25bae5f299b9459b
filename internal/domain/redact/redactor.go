package redact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// span is a region of a string scheduled for replacement.
type span struct {
	start, end  int
	replacement string
}

func (s span) length() int { return s.end - s.start }

// Redact returns value with all detected PII and secrets replaced by
// placeholders. The shape of the tree is preserved: maps keep their key
// sets, lists keep their length, booleans and nil pass through untouched.
// Numbers are stringified only when their textual form matches a detector.
//
// A top-level string that parses as JSON is redacted structurally and
// re-serialized; otherwise string-level redaction applies directly.
//
// Redact never fails: unknown types are returned unchanged.
func Redact(value any) any {
	return redactValue(value, nil, nil, "")
}

// RedactWithKeys behaves like Redact but filters which subtrees are scanned.
// ignoredKeys lists dotted paths to leave untouched; includeKeys inverts the
// filter so only the listed paths are redacted. The two are mutually
// exclusive.
func RedactWithKeys(value any, ignoredKeys, includeKeys []string) (any, error) {
	if len(ignoredKeys) > 0 && len(includeKeys) > 0 {
		return nil, fmt.Errorf("ignoredKeys and includeKeys are mutually exclusive")
	}
	return redactValue(value, ignoredKeys, includeKeys, ""), nil
}

func redactValue(value any, ignored, included []string, path string) any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		return v
	case string:
		if path == "" {
			// Top-level JSON text is redacted structurally when possible.
			if out, ok := redactJSONText(v); ok {
				return out
			}
		}
		return RedactString(v)
	case int:
		return redactNumber(v, fmt.Sprintf("%d", v))
	case int64:
		return redactNumber(v, fmt.Sprintf("%d", v))
	case float64:
		return redactNumber(v, formatFloat(v))
	case json.Number:
		return redactNumber(v, v.String())
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			keyPath := joinPath(path, key)
			if shouldRedactPath(keyPath, ignored, included) {
				out[key] = redactValue(item, ignored, included, keyPath)
			} else {
				out[key] = item
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			itemPath := joinPath(path, fmt.Sprintf("%d", i))
			if shouldRedactPath(itemPath, ignored, included) {
				out[i] = redactValue(item, ignored, included, itemPath)
			} else {
				out[i] = item
			}
		}
		return out
	default:
		return value
	}
}

// redactNumber keeps the numeric type unless the stringified value matches a
// detector, in which case the redacted string replaces it.
func redactNumber(original any, text string) any {
	redacted := RedactString(text)
	if redacted == text {
		return original
	}
	return redacted
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// redactJSONText parses a JSON document, redacts the decoded tree and
// re-serializes it. Returns ok=false when the text is not a JSON container.
func redactJSONText(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return "", false
	}
	redacted := redactValue(decoded, nil, nil, "$")
	out, err := json.Marshal(redacted)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// RedactString applies all detectors to a single string.
func RedactString(text string) string {
	if text == "" {
		return text
	}
	normalized := normalizeText(text)

	spans := detectSecrets(normalized)
	for _, m := range detectPII(normalized) {
		spans = append(spans, span{
			start:       m.Start,
			end:         m.End,
			replacement: placeholderFor(m.EntityType),
		})
	}

	spans = resolveSpanOverlaps(spans)
	spans = filterExistingPlaceholders(normalized, spans)
	return applySpans(normalized, spans)
}

// normalizeText strips zero-width characters so they cannot split tokens.
func normalizeText(text string) string {
	hit := false
	for _, zw := range zeroWidthChars {
		if strings.ContainsRune(text, zw) {
			hit = true
			break
		}
	}
	if !hit {
		return text
	}
	return strings.Map(func(r rune) rune {
		for _, zw := range zeroWidthChars {
			if r == zw {
				return -1
			}
		}
		return r
	}, text)
}

// resolveSpanOverlaps keeps the longest span among overlapping candidates.
func resolveSpanOverlaps(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var resolved []span
	for _, cur := range spans {
		overlaps := false
		for i, existing := range resolved {
			if cur.end <= existing.start || cur.start >= existing.end {
				continue
			}
			if cur.length() > existing.length() {
				resolved[i] = cur
			}
			overlaps = true
			break
		}
		if !overlaps {
			resolved = append(resolved, cur)
		}
	}
	return resolved
}

// filterExistingPlaceholders drops spans that touch an already-applied
// placeholder, making the whole engine idempotent.
func filterExistingPlaceholders(text string, spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	existing := placeholderPattern.FindAllStringIndex(text, -1)
	if len(existing) == 0 {
		return spans
	}
	var filtered []span
	for _, s := range spans {
		inside := false
		for _, ph := range existing {
			if s.end > ph[0] && s.start < ph[1] {
				inside = true
				break
			}
		}
		if !inside {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// applySpans replaces spans right to left so earlier offsets stay valid.
func applySpans(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start > spans[j].start })
	result := text
	for _, s := range spans {
		if s.start < 0 || s.end > len(result) || s.start >= len(result) {
			continue
		}
		result = result[:s.start] + s.replacement + result[s.end:]
	}
	return result
}

func joinPath(current, key string) string {
	if key == "" {
		return current
	}
	if current == "" {
		return key
	}
	return current + "." + key
}

// shouldRedactPath applies the include/ignore filters. A path is affected by
// a filter entry when it equals the entry or descends from it.
func shouldRedactPath(path string, ignored, included []string) bool {
	if len(included) > 0 {
		for _, inc := range included {
			if pathRelated(path, inc) {
				return true
			}
		}
		return false
	}
	for _, ign := range ignored {
		if pathUnder(path, ign) {
			return false
		}
	}
	return true
}

// pathUnder reports whether path equals prefix or is nested below it.
func pathUnder(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+".")
}

// pathRelated additionally accepts ancestors of the filter entry so the
// walk can reach an included leaf.
func pathRelated(path, entry string) bool {
	return pathUnder(path, entry) || strings.HasPrefix(entry, path+".")
}

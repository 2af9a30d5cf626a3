package interpolate

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes every {{key}} occurrence in text with the stringified
// value from data. Placeholders with no defined, non-nil value are left
// verbatim so an operator can spot unresolved bindings.
func Render(text string, data map[string]any) string {
	if len(data) == 0 {
		return text
	}

	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := data[key]
		if !ok || value == nil {
			return match
		}
		return stringify(value)
	})
}

// Params renders every string-typed value of a reaction parameter map against
// the triggering action's payload. Numbers and booleans pass through
// untouched. The input map is not modified.
func Params(params map[string]any, data map[string]any) map[string]any {
	rendered := make(map[string]any, len(params))
	for key, value := range params {
		if s, ok := value.(string); ok {
			rendered[key] = Render(s, data)
		} else {
			rendered[key] = value
		}
	}
	return rendered
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integral values without
		// a trailing fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

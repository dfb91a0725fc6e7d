package flow

import (
	"fmt"
	"log"
	"regexp"
)

// placeholderPattern matches {{name}} double-brace placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Interpolate substitutes {{name}} placeholders in text with values from
// the given variable scope (the Flow Engine passes flow -> conversation
// variables, see scopeFor). An unresolved placeholder renders as an empty
// string and logs a warning rather than erroring, since a message node
// should still send something sensible.
func Interpolate(text string, scope map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := scope[name]
		if !ok {
			log.Printf("⚠️ interpolate: placeholder {{%s}} is not defined, rendering it empty", name)
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

// MergeScope layers org -> flow -> conversation variables, later maps
// winning over earlier ones on key collision.
func MergeScope(layers ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

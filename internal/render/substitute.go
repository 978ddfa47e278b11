package render

import "regexp"

// placeholder matches {{ name }} with optional inner whitespace. The pattern
// is fixed; variable names are never compiled into a regexp.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Substitute replaces every {{ name }} in tpl with vars[name], or with the
// empty string when the name has no value. Values are inserted as literal
// text: they are not parsed as HTML, expanded as patterns or re-scanned for
// placeholders.
func Substitute(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

package expressions

import (
	"regexp"
	"strings"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// ResolveInputMappings replaces every {{path}} placeholder in the template
// with the text of the value found at path, or the literal null when the
// path does not resolve. Values are spliced verbatim, without JSON escaping.
// Scanning continues after each spliced value, so a value containing {{ is
// never re-expanded. An unterminated {{ stops resolution and leaves the
// remainder untouched.
func (c *ExecutionContext) ResolveInputMappings(template string) string {
	if template == "" {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+len(openMarker):], closeMarker)
		if end < 0 {
			break
		}
		end += start + len(openMarker)

		path := strings.TrimSpace(rest[start+len(openMarker) : end])
		val, ok := c.GetValue(path)
		if !ok {
			val = "null"
		}

		b.WriteString(rest[:start])
		b.WriteString(val)
		rest = rest[end+len(closeMarker):]
	}
	b.WriteString(rest)
	return b.String()
}

// EvaluateCondition evaluates the minimal built-in condition form
// "{{path}} == literal". A blank expression is true, and so is one without
// ==. The split happens once, so the literal may itself contain ==. The left side is
// resolved through GetValue; the right side has surrounding quotes removed.
// Comparison is case-insensitive. An unresolved left side is never equal.
func (c *ExecutionContext) EvaluateCondition(expression string) bool {
	if strings.TrimSpace(expression) == "" {
		return true
	}

	parts := strings.SplitN(expression, "==", 2)
	if len(parts) != 2 {
		return true
	}

	left := strings.TrimSpace(parts[0])
	left = strings.TrimPrefix(left, openMarker)
	left = strings.TrimSuffix(left, closeMarker)
	left = strings.TrimSpace(left)

	right := strings.TrimSpace(parts[1])
	right = strings.Trim(right, `"'`)

	actual, ok := c.GetValue(left)
	if !ok {
		return false
	}
	return strings.EqualFold(actual, right)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// HasPlaceholders reports whether the template carries any {{...}} reference.
func HasPlaceholders(template string) bool {
	return placeholderRe.MatchString(template)
}

// ReferencedSteps returns the step aliases referenced as {{steps.<alias>...}}
// in the template, in order of first appearance.
func ReferencedSteps(template string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		path := m[1]
		if !strings.HasPrefix(path, nsSteps+".") {
			continue
		}
		alias := strings.SplitN(strings.TrimPrefix(path, nsSteps+"."), ".", 2)[0]
		if alias == "" || seen[alias] {
			continue
		}
		seen[alias] = true
		out = append(out, alias)
	}
	return out
}

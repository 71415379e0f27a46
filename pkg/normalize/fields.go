package normalize

import (
	"slices"
	"strings"
)

// NormalizeName trims, collapses inner whitespace and uppercases a name part.
// Blank input yields nil.
func NormalizeName(value string) *string {
	name := strings.Join(strings.Fields(value), " ")
	if name == "" {
		return nil
	}
	name = strings.ToUpper(name)
	return &name
}

// NormalizeEmail lower-cases an address and checks its shape: exactly one @,
// a non-empty local part and a dotted domain. The bool is false when a
// non-blank value was rejected.
func NormalizeEmail(value string) (*string, bool) {
	email := strings.ToLower(strings.TrimSpace(value))
	if email == "" {
		return nil, true
	}
	if !validEmail(email) {
		return nil, false
	}
	return &email, true
}

func validEmail(email string) bool {
	if strings.Count(email, "@") != 1 {
		return false
	}
	if strings.ContainsFunc(email, isSpace) {
		return false
	}
	local, domain, _ := strings.Cut(email, "@")
	if local == "" || domain == "" {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	return !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// NormalizeTags accepts a list or a comma/semicolon separated string and
// returns a sorted set of trimmed, non-empty tags.
func NormalizeTags(value any) []string {
	var candidates []string
	switch v := value.(type) {
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := stringValue(item); ok {
				candidates = append(candidates, s)
			}
		}
	case string:
		candidates = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' })
	}

	tags := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if tag := strings.TrimSpace(candidate); tag != "" {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return slices.Compact(tags)
}

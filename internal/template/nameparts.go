package template

import (
	"regexp"
	"strings"
)

// NameParts is the addressing context derived from a contact's name.
type NameParts struct {
	Prefix       string
	LastName     string
	GreetingName string
	Name         string
}

var honorificPattern = regexp.MustCompile(`(?i)^(mr|mrs|ms|miss|dr|prof|professor|sir|dame|lord|lady|rev|herr|frau)\.?\s+`)

// SplitName derives greeting parts from a contact name. A DB-provided
// prefix wins over anything detected in the name itself.
func SplitName(name, dbPrefix string) NameParts {
	name = strings.TrimSpace(name)
	full := capitalizeWords(name)

	if p := strings.TrimSpace(dbPrefix); p != "" {
		prefix := punctuatePrefix(p)
		last := lastWord(stripHonorific(name))
		return NameParts{
			Prefix:       prefix,
			LastName:     last,
			GreetingName: strings.TrimSpace(prefix + " " + last),
			Name:         full,
		}
	}

	if m := honorificPattern.FindString(name); m != "" {
		prefix := punctuatePrefix(strings.TrimSpace(m))
		rest := strings.TrimSpace(name[len(m):])
		last := lastWord(rest)
		return NameParts{
			Prefix:       prefix,
			LastName:     last,
			GreetingName: strings.TrimSpace(prefix + " " + last),
			Name:         full,
		}
	}

	return NameParts{
		LastName:     lastWord(name),
		GreetingName: full,
		Name:         full,
	}
}

// Context returns the substitution keys produced by this helper.
func (n NameParts) Context() map[string]string {
	return map[string]string{
		"prefix":        n.Prefix,
		"last_name":     n.LastName,
		"greeting_name": n.GreetingName,
		"name":          n.Name,
	}
}

func punctuatePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), ".")
	if p == "" {
		return ""
	}
	return capitalizeWords(p) + "."
}

func stripHonorific(name string) string {
	if m := honorificPattern.FindString(name); m != "" {
		return strings.TrimSpace(name[len(m):])
	}
	return name
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return capitalizeWords(fields[len(fields)-1])
}

func capitalizeWords(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if len(f) > 0 {
			fields[i] = strings.ToUpper(f[:1]) + f[1:]
		}
	}
	return strings.Join(fields, " ")
}

package session

import (
	"path"
	"strings"
	"unicode"
)

// substitutions returns the placeholder values for a command that targets
// the file at filepath.
func substitutions(filepath string) map[string]string {
	name := strings.TrimSuffix(path.Base(filepath), path.Ext(filepath))
	if filepath == "" {
		name = ""
	}
	return map[string]string{
		"filename":    filepath,
		"module_name": underscore(name),
		"class_name":  upperFirst(name),
	}
}

// expandCommand replaces %{filename}, %{module_name} and %{class_name} in cmd.
// Unknown placeholders are left untouched.
func expandCommand(cmd, filepath string) string {
	subs := substitutions(filepath)
	pairs := make([]string, 0, len(subs)*2)
	for k, v := range subs {
		pairs = append(pairs, "%{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(cmd)
}

// underscore converts CamelCase to snake_case.
func underscore(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

package api

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
)

// Localized is a display string that may arrive as a plain JSON string or as
// a multi-language object ({"en": "...", "sv": "..."}). It resolves to a
// single display language at decode time: the system language if present,
// then English, then the first entry in key order.
type Localized string

func (l *Localized) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = Localized(plain)
		return nil
	}

	var langs map[string]string
	if err := json.Unmarshal(data, &langs); err != nil {
		// Not a translation object either; numbers and booleans render as-is.
		*l = Localized(strings.Trim(string(data), `"`))
		return nil
	}
	if len(langs) == 0 {
		*l = ""
		return nil
	}

	if v, ok := langs[systemLanguage()]; ok {
		*l = Localized(v)
		return nil
	}
	if v, ok := langs["en"]; ok {
		*l = Localized(v)
		return nil
	}

	keys := make([]string, 0, len(langs))
	for k := range langs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	*l = Localized(langs[keys[0]])
	return nil
}

// String returns the resolved display text.
func (l Localized) String() string {
	return string(l)
}

// systemLanguage extracts the two-letter language code from the LANG
// environment variable ("de_DE.UTF-8" yields "de"), defaulting to English.
func systemLanguage() string {
	lang := os.Getenv("LANG")
	if lang == "" {
		return "en"
	}
	if i := strings.IndexAny(lang, "_."); i > 0 {
		lang = lang[:i]
	}
	lang = strings.ToLower(lang)
	if len(lang) != 2 {
		return "en"
	}
	return lang
}

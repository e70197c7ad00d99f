package room

import "strings"

type Language string

const (
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangJava       Language = "java"
	LangCPP        Language = "cpp"
	LangC          Language = "c"
	LangHTML       Language = "html"
	LangCSS        Language = "css"
	LangJSON       Language = "json"

	DefaultLanguage = LangJavaScript
)

// LanguageSpec describes a catalog entry as the editor surface needs it.
type LanguageSpec struct {
	Name  Language `json:"name"`
	Label string   `json:"label"`
	Mode  string   `json:"mode"`
}

var catalog = []LanguageSpec{
	{Name: LangJavaScript, Label: "JavaScript", Mode: "javascript"},
	{Name: LangPython, Label: "Python", Mode: "python"},
	{Name: LangJava, Label: "Java", Mode: "text/x-java"},
	{Name: LangCPP, Label: "C++", Mode: "text/x-c++src"},
	{Name: LangC, Label: "C", Mode: "text/x-csrc"},
	{Name: LangHTML, Label: "HTML", Mode: "xml"},
	{Name: LangCSS, Label: "CSS", Mode: "css"},
	{Name: LangJSON, Label: "JSON", Mode: "application/json"},
}

// Catalog returns a copy of the supported languages in display order.
func Catalog() []LanguageSpec {
	out := make([]LanguageSpec, len(catalog))
	copy(out, catalog)
	return out
}

func (l Language) Valid() bool {
	for _, spec := range catalog {
		if spec.Name == l {
			return true
		}
	}
	return false
}

// ParseLanguage normalizes s and checks it against the catalog.
func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", NewValidationError(ReasonUnknownLanguage, s)
	}
	return l, nil
}

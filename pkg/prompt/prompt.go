// Package prompt renders the instructions sent to the language model. Sources live in
// templates/ and are compiled into the binary.
package prompt

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var FS embed.FS

type LearningMode string

const (
	ModeBeginner     LearningMode = "beginner"
	ModeIntermediate LearningMode = "intermediate"
	ModeAdvanced     LearningMode = "advanced"
)

// ParseLearningMode maps the client value to a mode. Empty selects intermediate.
func ParseLearningMode(raw string) (LearningMode, error) {
	switch LearningMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return ModeIntermediate, nil
	case ModeBeginner:
		return ModeBeginner, nil
	case ModeIntermediate:
		return ModeIntermediate, nil
	case ModeAdvanced:
		return ModeAdvanced, nil
	default:
		return "", fmt.Errorf("learningMode must be one of beginner, intermediate, advanced")
	}
}

var templates = template.Must(
	template.New("prompts").
		Option("missingkey=error").
		Funcs(template.FuncMap{"json": jsonString}).
		ParseFS(FS, "templates/*.tmpl"),
)

// jsonString renders v as a JSON literal, so caller text can sit inside the schemas.
func jsonString(v any) (string, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

type GrammarInput struct {
	Sentence string
	// Tokens is the client token list, already encoded as JSON.
	Tokens string
}

type WordInput struct {
	Word     string
	POS      string
	Sentence string
	Furigana string
	Romaji   string
	Mode     LearningMode
}

func ChatSystem() string {
	return mustRender("chat_system.tmpl", nil)
}

// AnalysisSystem is the system message shared by the JSON-producing routes.
func AnalysisSystem() string {
	return mustRender("analysis_system.tmpl", nil)
}

func GrammarAnalysis(in GrammarInput) (string, error) {
	return render("grammar_analysis.tmpl", in)
}

func WordDetail(in WordInput) (string, error) {
	if in.Mode == "" {
		in.Mode = ModeIntermediate
	}
	return render("word_detail.tmpl", in)
}

func render(name string, data any) (string, error) {
	var b bytes.Buffer
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func mustRender(name string, data any) string {
	out, err := render(name, data)
	if err != nil {
		panic(err)
	}
	return out
}

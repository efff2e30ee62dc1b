package rag

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/threatintel/engine/synth"
)

// DefaultPromptVersion is the prompt shipped with the binary.
const DefaultPromptVersion = "v1"

//go:embed prompts/*.yaml
var promptFS embed.FS

// PromptTemplate is the versioned two-part prompt contract. The user part is
// a text/template receiving .Context and .Question.
type PromptTemplate struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`

	user *template.Template
}

type promptData struct {
	Context  string
	Question string
}

// LoadPrompt returns the bundled threat-analyst prompt for version.
func LoadPrompt(version string) (*PromptTemplate, error) {
	if version == "" {
		version = DefaultPromptVersion
	}
	data, err := promptFS.ReadFile("prompts/threat-analyst." + version + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("rag: unknown prompt version %q", version)
	}
	return ParsePrompt(data)
}

// LoadPromptFile reads a prompt template from disk.
func LoadPromptFile(path string) (*PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rag: read prompt %s: %w", path, err)
	}
	return ParsePrompt(data)
}

// ParsePrompt decodes and checks a YAML prompt template.
func ParsePrompt(data []byte) (*PromptTemplate, error) {
	var p PromptTemplate
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("rag: decode prompt: %w", err)
	}
	tmpl, err := p.compile()
	if err != nil {
		return nil, err
	}
	p.user = tmpl
	return &p, nil
}

func (p *PromptTemplate) compile() (*template.Template, error) {
	if strings.TrimSpace(p.System) == "" {
		return nil, fmt.Errorf("rag: prompt %s/%s: empty system instruction", p.Name, p.Version)
	}
	for _, field := range []string{"{{.Context}}", "{{.Question}}"} {
		if !strings.Contains(p.User, field) {
			return nil, fmt.Errorf("rag: prompt %s/%s: user turn lacks %s", p.Name, p.Version, field)
		}
	}
	tmpl, err := template.New(p.Name).Option("missingkey=error").Parse(p.User)
	if err != nil {
		return nil, fmt.Errorf("rag: parse prompt: %w", err)
	}
	return tmpl, nil
}

// Render fills the user turn with the assembled context and the question.
// A template not built by ParsePrompt is checked and parsed on each call.
func (p *PromptTemplate) Render(contextText, question string) (synth.Prompt, error) {
	tmpl := p.user
	if tmpl == nil {
		var err error
		if tmpl, err = p.compile(); err != nil {
			return synth.Prompt{}, err
		}
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, promptData{Context: contextText, Question: question}); err != nil {
		return synth.Prompt{}, fmt.Errorf("rag: render prompt: %w", err)
	}
	return synth.Prompt{System: p.System, User: b.String()}, nil
}

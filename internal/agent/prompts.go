package agent

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Prompts holds the prompt copy sent to the agent.
type Prompts struct {
	System      string `yaml:"system"`
	DirectUser  string `yaml:"direct_user"`
	SandboxUser string `yaml:"sandbox_user"`

	directTmpl  *template.Template
	sandboxTmpl *template.Template
}

// PromptData fills the user prompt templates.
type PromptData struct {
	Description string
	ImageCount  int
	ImagePaths  []string
	ResultPath  string
}

var (
	promptsOnce sync.Once
	prompts     *Prompts
	promptsErr  error
)

// LoadPrompts parses the embedded prompt file once.
func LoadPrompts() (*Prompts, error) {
	promptsOnce.Do(func() {
		prompts, promptsErr = ParsePrompts(promptsYAML)
	})
	return prompts, promptsErr
}

// ParsePrompts decodes prompt YAML and compiles its templates.
func ParsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if p.System == "" || p.DirectUser == "" || p.SandboxUser == "" {
		return nil, fmt.Errorf("parse prompts: system, direct_user and sandbox_user are required")
	}

	var err error
	if p.directTmpl, err = template.New("direct_user").Parse(p.DirectUser); err != nil {
		return nil, fmt.Errorf("parse direct_user template: %w", err)
	}
	if p.sandboxTmpl, err = template.New("sandbox_user").Parse(p.SandboxUser); err != nil {
		return nil, fmt.Errorf("parse sandbox_user template: %w", err)
	}
	return &p, nil
}

// RenderDirect renders the user turn for the direct provider.
func (p *Prompts) RenderDirect(d PromptData) (string, error) {
	return render(p.directTmpl, d)
}

// RenderSandbox renders the user prompt file for the sandbox provider.
func (p *Prompts) RenderSandbox(d PromptData) (string, error) {
	return render(p.sandboxTmpl, d)
}

func render(t *template.Template, d PromptData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}

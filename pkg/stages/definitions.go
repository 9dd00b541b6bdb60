package stages

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/Kevin-nav/sankosides/pkg/agent"
	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
)

//go:embed definitions.yaml
var builtinDefinitions []byte

// Stage names. They double as agent names in usage metrics and failure reports.
const (
	Clarifier   = "clarifier"
	Synthesizer = "synthesizer"
	Outliner    = "outliner"
	Planner     = "planner"
	Refiner     = "refiner"
	Generator   = "generator"
	VisualQA    = "visual_qa"
)

// Definition configures one stage's model call.
type Definition struct {
	Name          string     `yaml:"-"`
	Tier          agent.Tier `yaml:"tier"`
	Temperature   *float32   `yaml:"temperature"`
	MaxTokens     int        `yaml:"max_tokens"`
	ThinkingLevel string     `yaml:"thinking_level"`
	JSONOutput    *bool      `yaml:"json_output"`
	System        string     `yaml:"system"`
	Prompt        string     `yaml:"prompt"`

	tmpl *template.Template
}

// Request builds the completion request for a rendered prompt.
func (d *Definition) Request(prompt string, attachments ...llm.Attachment) llm.CompletionRequest {
	var msgs []llm.CompletionMessage
	if d.System != "" {
		msgs = append(msgs, llm.NewSystemMessage(strings.TrimSpace(d.System)))
	}
	msgs = append(msgs, llm.NewUserMessage(prompt, attachments...))

	req := llm.NewCompletionRequest(msgs)
	if d.Temperature != nil {
		req.Temperature = *d.Temperature
	}
	if d.MaxTokens > 0 {
		req.MaxTokens = d.MaxTokens
	}
	req.ThinkingLevel = d.ThinkingLevel
	req.JSONOutput = d.JSONOutput != nil && *d.JSONOutput
	return req
}

// merge copies every field set in o over d.
func (d *Definition) merge(o *Definition) {
	if o.Tier != "" {
		d.Tier = o.Tier
	}
	if o.Temperature != nil {
		d.Temperature = o.Temperature
	}
	if o.MaxTokens > 0 {
		d.MaxTokens = o.MaxTokens
	}
	if o.ThinkingLevel != "" {
		d.ThinkingLevel = o.ThinkingLevel
	}
	if o.JSONOutput != nil {
		d.JSONOutput = o.JSONOutput
	}
	if o.System != "" {
		d.System = o.System
	}
	if o.Prompt != "" {
		d.Prompt = o.Prompt
	}
}

// ErrUnknownStage is returned for a stage name with no definition.
var ErrUnknownStage = errors.New("unknown stage")

// Registry holds parsed stage definitions. It is read-only after Load.
type Registry struct {
	defs map[string]*Definition
}

var funcs = template.FuncMap{ //nolint:gochecknoglobals // read-only template helpers
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"join": strings.Join,
}

// Load parses the built-in definitions and, when overridePath names an existing
// file, merges its per-stage fields on top. A missing override file is not an error.
func Load(overridePath string) (*Registry, error) {
	defs, err := parseDefinitions(builtinDefinitions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in stage definitions: %w", err)
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read %s: %w", overridePath, err)
		default:
			overrides, err := parseDefinitions(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", overridePath, err)
			}
			for name, o := range overrides {
				d, ok := defs[name]
				if !ok {
					return nil, fmt.Errorf("%s: %w %q", overridePath, ErrUnknownStage, name)
				}
				d.merge(o)
			}
		}
	}

	for name, d := range defs {
		if !d.Tier.Valid() {
			return nil, fmt.Errorf("stage %s: invalid tier %q", name, d.Tier)
		}
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(d.Prompt)
		if err != nil {
			return nil, fmt.Errorf("stage %s: invalid prompt template: %w", name, err)
		}
		d.tmpl = tmpl
	}
	return &Registry{defs: defs}, nil
}

// MustLoadBuiltin loads the embedded definitions and panics on error. For tests and tools.
func MustLoadBuiltin() *Registry {
	r, err := Load("")
	if err != nil {
		panic(err)
	}
	return r
}

func parseDefinitions(data []byte) (map[string]*Definition, error) {
	defs := map[string]*Definition{}
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	for name, d := range defs {
		if d == nil {
			return nil, fmt.Errorf("stage %s: empty definition", name)
		}
		d.Name = name
	}
	return defs, nil
}

// Get returns the definition for a stage.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStage, name)
	}
	return d, nil
}

// Names lists the defined stages, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes a stage's prompt template.
func (r *Registry) Render(name string, data *PromptData) (string, error) {
	d, err := r.Get(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Package pipeline drives a document through an ordered list of section
// prompts, one generation per step, with a user checkpoint between steps.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/tokens"
)

// DefaultSeparator joins sections in the assembled document.
const DefaultSeparator = "\n\n---\n\n"

// Step is one section prompt. Prompt is a text/template over PromptData.
type Step struct {
	Name   string
	Prompt string
}

// Plan is the ordered list of steps plus assembly settings.
type Plan struct {
	Steps             []Step
	Separator         string
	MaxReferenceChars int
	// AppendOutline includes the first step's output in the document.
	AppendOutline bool

	templates []*template.Template
}

// PromptData is what step templates see.
type PromptData struct {
	Brief     string
	Feedback  string
	Reference string
	Step      string
	Index     int // 1-based
	Total     int
}

// NewPlan parses every step template.
func NewPlan(steps []Step, separator string, maxReferenceChars int, appendOutline bool) (*Plan, error) {
	if len(steps) == 0 {
		return nil, errors.New("pipeline: plan has no steps")
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	if maxReferenceChars <= 0 {
		maxReferenceChars = tokens.DefaultMaxReferenceChars
	}

	p := &Plan{
		Steps:             steps,
		Separator:         separator,
		MaxReferenceChars: maxReferenceChars,
		AppendOutline:     appendOutline,
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline: step %d has no name", i+1)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("pipeline: duplicate step %q", s.Name)
		}
		seen[s.Name] = true

		t, err := template.New(s.Name).Option("missingkey=error").Parse(s.Prompt)
		if err != nil {
			return nil, fmt.Errorf("pipeline: step %q: %w", s.Name, err)
		}
		p.templates = append(p.templates, t)
	}
	return p, nil
}

// PlanFromConfig builds the plan described by the pipeline config section,
// falling back to the built-in steps.
func PlanFromConfig(cfg config.PipelineConfig) (*Plan, error) {
	src := cfg.Steps
	if len(src) == 0 {
		src = config.DefaultPipelineSteps()
	}
	steps := make([]Step, len(src))
	for i, s := range src {
		steps[i] = Step{Name: s.Name, Prompt: s.Prompt}
	}
	return NewPlan(steps, cfg.Separator, cfg.MaxReferenceChars, config.Enabled(cfg.AppendOutline, false))
}

// Render executes the template of step i.
func (p *Plan) Render(i int, data PromptData) (string, error) {
	if i < 0 || i >= len(p.templates) {
		return "", fmt.Errorf("pipeline: step %d out of range", i)
	}
	data.Step = p.Steps[i].Name
	data.Index = i + 1
	data.Total = len(p.Steps)
	data.Reference = tokens.ClipForPrompt(data.Reference, p.MaxReferenceChars)

	var buf bytes.Buffer
	if err := p.templates[i].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("pipeline: render %q: %w", p.Steps[i].Name, err)
	}
	return buf.String(), nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
	. "github.com/roelfdiedericks/docgen/internal/logging"
)

// StateKeyPrefix namespaces pipeline state in the store.
const StateKeyPrefix = "pipeline/"

var (
	ErrComplete   = errors.New("pipeline: all steps are complete")
	ErrNotStarted = errors.New("pipeline: not started")
)

// Generator is what a pipeline generates through; *assistant.Assistant
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, onChunk generation.ChunkFunc) (string, error)
}

// Section is the output of one completed step.
type Section struct {
	Step     string    `json:"step"`
	Text     string    `json:"text"`
	Feedback string    `json:"feedback,omitempty"`
	Done     time.Time `json:"done"`
}

// State is the saved progress of a pipeline run.
type State struct {
	Name      string    `json:"name"`
	Brief     string    `json:"brief"`
	Reference string    `json:"reference,omitempty"`
	Next      int       `json:"next"`
	Sections  []Section `json:"sections"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Runner executes a plan step by step, saving State after each step.
type Runner struct {
	plan  *Plan
	store kvstore.Store
	gen   Generator
	state State
	now   func() time.Time
}

func stateKey(name string) string { return StateKeyPrefix + name }

// Start begins a new run called name, replacing any saved run of that name.
func Start(store kvstore.Store, plan *Plan, gen Generator, name, brief, reference string) (*Runner, error) {
	if strings.TrimSpace(brief) == "" {
		return nil, errors.New("pipeline: brief is required")
	}
	r := &Runner{plan: plan, store: store, gen: gen, now: time.Now}
	now := r.now()
	r.state = State{Name: name, Brief: brief, Reference: reference, StartedAt: now, UpdatedAt: now}
	if err := r.save(); err != nil {
		return nil, err
	}
	L_info("pipeline: started", "name", name, "steps", len(plan.Steps))
	return r, nil
}

// Resume loads the saved run called name.
func Resume(store kvstore.Store, plan *Plan, gen Generator, name string) (*Runner, error) {
	raw, ok, err := store.Get(stateKey(name))
	if err != nil {
		return nil, fmt.Errorf("pipeline: load %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, name)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("pipeline: decode %s: %w", name, err)
	}
	if st.Next > len(plan.Steps) {
		return nil, fmt.Errorf("pipeline: %s is at step %d but the plan has %d", name, st.Next+1, len(plan.Steps))
	}
	return &Runner{plan: plan, store: store, gen: gen, state: st, now: time.Now}, nil
}

func (r *Runner) save() error {
	data, err := json.Marshal(r.state)
	if err != nil {
		return fmt.Errorf("pipeline: encode state: %w", err)
	}
	if err := r.store.Set(stateKey(r.state.Name), string(data)); err != nil {
		return fmt.Errorf("pipeline: save state: %w", err)
	}
	return nil
}

// State returns a copy of the progress.
func (r *Runner) State() State {
	st := r.state
	st.Sections = append([]Section(nil), r.state.Sections...)
	return st
}

// Done reports whether every step has run.
func (r *Runner) Done() bool { return r.state.Next >= len(r.plan.Steps) }

// Total is the number of steps in the plan.
func (r *Runner) Total() int { return len(r.plan.Steps) }

// Steps returns the plan's steps.
func (r *Runner) Steps() []Step { return append([]Step(nil), r.plan.Steps...) }

// Current returns the step Next will run.
func (r *Runner) Current() (Step, bool) {
	if r.Done() {
		return Step{}, false
	}
	return r.plan.Steps[r.state.Next], true
}

// Next runs the current step. feedback is what the user said at the
// checkpoint after the previous step. On failure the state is unchanged
// and the step can be retried.
func (r *Runner) Next(ctx context.Context, feedback string, onChunk generation.ChunkFunc) (Section, error) {
	if r.Done() {
		return Section{}, ErrComplete
	}
	i := r.state.Next
	step := r.plan.Steps[i]

	prompt, err := r.plan.Render(i, PromptData{
		Brief:     r.state.Brief,
		Feedback:  strings.TrimSpace(feedback),
		Reference: r.state.Reference,
	})
	if err != nil {
		return Section{}, err
	}

	L_info("pipeline: running step", "name", r.state.Name, "step", step.Name, "index", i+1, "total", len(r.plan.Steps))
	text, err := r.gen.Generate(ctx, prompt, onChunk)
	if err != nil {
		return Section{}, fmt.Errorf("pipeline: step %q: %w", step.Name, err)
	}

	sec := Section{Step: step.Name, Text: text, Feedback: strings.TrimSpace(feedback), Done: r.now()}
	r.state.Sections = append(r.state.Sections, sec)
	r.state.Next++
	r.state.UpdatedAt = sec.Done
	if err := r.save(); err != nil {
		// the section is generated and committed to the conversation
		L_warn("pipeline: state not saved", "name", r.state.Name, "error", err)
	}
	return sec, nil
}

// Document assembles the sections generated so far.
func (r *Runner) Document() string {
	return Assemble(r.plan, r.state.Sections)
}

// Assemble joins sections with the plan separator. The first section is
// the outline and is left out unless the plan appends it.
func Assemble(plan *Plan, sections []Section) string {
	parts := make([]string, 0, len(sections))
	for i, s := range sections {
		if i == 0 && !plan.AppendOutline {
			continue
		}
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, plan.Separator)
}

// Delete removes the saved run called name.
func Delete(store kvstore.Store, name string) error {
	return store.Remove(stateKey(name))
}

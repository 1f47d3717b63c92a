package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
)

type scriptedGenerator struct {
	prompts []string
	fail    error
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, onChunk generation.ChunkFunc) (string, error) {
	if g.fail != nil {
		return "", g.fail
	}
	g.prompts = append(g.prompts, prompt)
	text := fmt.Sprintf("Section %d.", len(g.prompts))
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}

func defaultPlan(t *testing.T) *Plan {
	t.Helper()
	plan, err := PlanFromConfig(config.Defaults().Pipeline)
	require.NoError(t, err)
	return plan
}

func TestNewPlanValidation(t *testing.T) {
	_, err := NewPlan(nil, "", 0, false)
	assert.Error(t, err)

	_, err = NewPlan([]Step{{Name: "a", Prompt: "x"}, {Name: "a", Prompt: "y"}}, "", 0, false)
	assert.Error(t, err)

	_, err = NewPlan([]Step{{Name: "", Prompt: "x"}}, "", 0, false)
	assert.Error(t, err)

	_, err = NewPlan([]Step{{Name: "a", Prompt: "{{.Brief"}}, "", 0, false)
	assert.Error(t, err)

	plan, err := NewPlan([]Step{{Name: "a", Prompt: "x"}}, "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultSeparator, plan.Separator)
}

func TestPlanFromConfigDefaults(t *testing.T) {
	plan, err := PlanFromConfig(config.PipelineConfig{})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, len(config.DefaultPipelineSteps()))
	assert.Equal(t, "outline", plan.Steps[0].Name)
	assert.False(t, plan.AppendOutline)
}

func TestRender(t *testing.T) {
	plan, err := NewPlan([]Step{{Name: "only", Prompt: "{{.Index}}/{{.Total}} {{.Step}}: {{.Brief}}|{{.Reference}}"}}, "", 10, false)
	require.NoError(t, err)

	out, err := plan.Render(0, PromptData{Brief: "b", Reference: strings.Repeat("r", 30)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "1/1 only: b|rrrrrrrrrr"), out)
	assert.Contains(t, out, "20 characters")

	_, err = plan.Render(3, PromptData{})
	assert.Error(t, err)
}

func TestRunnerFullRun(t *testing.T) {
	store := kvstore.NewMemoryStore()
	plan := defaultPlan(t)
	gen := &scriptedGenerator{}

	r, err := Start(store, plan, gen, "report", "Reduce churn in onboarding", "Survey: 40% drop-off")
	require.NoError(t, err)

	var streamed []string
	sec, err := r.Next(context.Background(), "", func(c string) { streamed = append(streamed, c) })
	require.NoError(t, err)
	assert.Equal(t, "outline", sec.Step)
	assert.Contains(t, gen.prompts[0], "Reduce churn in onboarding")
	assert.Contains(t, gen.prompts[0], "Survey: 40% drop-off")
	assert.Equal(t, []string{"Section 1."}, streamed)

	_, err = r.Next(context.Background(), "  merge sections 2 and 3  ", nil)
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[1], "merge sections 2 and 3")

	for !r.Done() {
		_, err := r.Next(context.Background(), "", nil)
		require.NoError(t, err)
	}
	_, err = r.Next(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrComplete)

	doc := r.Document()
	assert.False(t, strings.Contains(doc, "Section 1."), "the outline is not part of the document")
	assert.True(t, strings.HasPrefix(doc, "Section 2."+DefaultSeparator+"Section 3."), doc)
	assert.Equal(t, len(plan.Steps)-1, strings.Count(doc, "Section "))
}

func TestRunnerResume(t *testing.T) {
	store := kvstore.NewMemoryStore()
	plan := defaultPlan(t)
	gen := &scriptedGenerator{}

	r, err := Start(store, plan, gen, "report", "brief", "")
	require.NoError(t, err)
	_, err = r.Next(context.Background(), "", nil)
	require.NoError(t, err)

	resumed, err := Resume(store, plan, gen, "report")
	require.NoError(t, err)
	step, ok := resumed.Current()
	require.True(t, ok)
	assert.Equal(t, "introduction", step.Name)
	assert.Len(t, resumed.State().Sections, 1)

	_, err = Resume(store, plan, gen, "other")
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, Delete(store, "report"))
	_, err = Resume(store, plan, gen, "report")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRunnerFailureKeepsStep(t *testing.T) {
	store := kvstore.NewMemoryStore()
	gen := &scriptedGenerator{fail: generation.ErrExhausted}

	r, err := Start(store, defaultPlan(t), gen, "report", "brief", "")
	require.NoError(t, err)

	_, err = r.Next(context.Background(), "", nil)
	require.ErrorIs(t, err, generation.ErrExhausted)
	assert.Equal(t, 0, r.State().Next)

	gen.fail = nil
	sec, err := r.Next(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "outline", sec.Step)
}

func TestStartRequiresBrief(t *testing.T) {
	_, err := Start(kvstore.NewMemoryStore(), defaultPlan(t), &scriptedGenerator{}, "x", "  ", "")
	assert.Error(t, err)
}

func TestAssembleWithOutline(t *testing.T) {
	plan, err := NewPlan([]Step{{Name: "a", Prompt: "a"}, {Name: "b", Prompt: "b"}}, "\n\n", 0, true)
	require.NoError(t, err)
	doc := Assemble(plan, []Section{{Text: "outline\n"}, {Text: "body"}})
	assert.Equal(t, "outline\n\nbody", doc)
}

func TestStartSurfacesStoreFailure(t *testing.T) {
	store := kvstore.NewMemoryStore()
	store.FailWrites = errors.New("disk full")
	_, err := Start(store, defaultPlan(t), &scriptedGenerator{}, "x", "brief", "")
	assert.Error(t, err)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roelfdiedericks/docgen/internal/pipeline"
)

type PipelineCmd struct {
	Start  PipelineStartCmd  `cmd:"" help:"Start a document: runs the outline step."`
	Next   PipelineNextCmd   `cmd:"" help:"Run the next section, with optional feedback on the last one."`
	Status PipelineStatusCmd `cmd:"" help:"Show progress."`
	Show   PipelineShowCmd   `cmd:"" help:"Print the document assembled so far."`
}

type PipelineStartCmd struct {
	Name      string `help:"Document name; also names the conversation." default:"default"`
	Brief     string `required:"" help:"What the document is about."`
	Reference string `type:"existingfile" help:"File with reference material to include."`
	Model     string `help:"Preferred model."`
}

func (c *PipelineStartCmd) Run(g *Globals) error {
	var reference string
	if c.Reference != "" {
		b, err := os.ReadFile(c.Reference)
		if err != nil {
			return fmt.Errorf("read reference: %w", err)
		}
		reference = string(b)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := g.open(reportAttempt)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := pipeline.PlanFromConfig(a.cfg.Pipeline)
	if err != nil {
		return err
	}
	a.asst.InitializeSession(c.Model)

	r, err := pipeline.Start(a.store, plan, a.asst, c.Name, c.Brief, reference)
	if err != nil {
		return err
	}
	return runStep(ctx, a, r, c.Name, "")
}

type PipelineNextCmd struct {
	Name     string `help:"Document name." default:"default"`
	Feedback string `help:"Feedback on the previous section."`
}

func (c *PipelineNextCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := g.open(reportAttempt)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := resume(a, c.Name)
	if err != nil {
		return err
	}
	if _, err := a.asst.LoadConversation(c.Name); err != nil {
		return err
	}
	return runStep(ctx, a, r, c.Name, c.Feedback)
}

func resume(a *app, name string) (*pipeline.Runner, error) {
	plan, err := pipeline.PlanFromConfig(a.cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	r, err := pipeline.Resume(a.store, plan, a.asst, name)
	if errors.Is(err, pipeline.ErrNotStarted) {
		return nil, fmt.Errorf("no document %q, start one with: docgen pipeline start --brief ...", name)
	}
	return r, err
}

func runStep(ctx context.Context, a *app, r *pipeline.Runner, name, feedback string) error {
	step, ok := r.Current()
	if !ok {
		return errors.New("the document is complete, see: docgen pipeline show")
	}
	st := r.State()
	fmt.Println(styleBold.Render(fmt.Sprintf("## %s (%d/%d)", step.Name, st.Next+1, r.Total())))

	_, err := r.Next(ctx, feedback, printChunk)
	fmt.Println()
	if err != nil {
		return explain(err)
	}
	if err := a.asst.SaveConversation(name); err != nil {
		return err
	}
	if next, ok := r.Current(); ok {
		fmt.Println(styleDim.Render(fmt.Sprintf("Next: %s. Review the text above, then run: docgen pipeline next [--feedback ...]", next.Name)))
	} else {
		fmt.Println(styleActive.Render("All sections written. Run: docgen pipeline show"))
	}
	return nil
}

type PipelineStatusCmd struct {
	Name string `help:"Document name." default:"default"`
}

func (c *PipelineStatusCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := resume(a, c.Name)
	if err != nil {
		return err
	}
	st := r.State()
	fmt.Printf("%s: %s\n", styleBold.Render(st.Name), st.Brief)
	fmt.Printf("started %s, updated %s\n", st.StartedAt.Format("2006-01-02 15:04"), st.UpdatedAt.Format("2006-01-02 15:04"))
	for i, step := range r.Steps() {
		mark := styleDim.Render("pending")
		if i < len(st.Sections) {
			mark = styleActive.Render(fmt.Sprintf("done, %d chars", len(st.Sections[i].Text)))
		} else if i == st.Next {
			mark = styleCooldown.Render("next")
		}
		fmt.Printf("  %d. %-14s %s\n", i+1, step.Name, mark)
	}
	return nil
}

type PipelineShowCmd struct {
	Name string `help:"Document name." default:"default"`
	Out  string `help:"Write to this file instead of stdout." type:"path"`
}

func (c *PipelineShowCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := resume(a, c.Name)
	if err != nil {
		return err
	}
	doc := r.Document()
	if c.Out == "" {
		fmt.Println(doc)
		return nil
	}
	if err := os.WriteFile(c.Out, []byte(doc+"\n"), 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	fmt.Printf("Wrote %s\n", c.Out)
	return nil
}

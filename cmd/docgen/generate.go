package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/llm"
)

type GenerateCmd struct {
	Prompt  string `arg:"" help:"Prompt text, or - to read it from stdin."`
	Session string `help:"Conversation to continue and save." default:"default"`
	Model   string `help:"Preferred model for a new conversation."`
	New     bool   `help:"Start a new conversation instead of continuing the saved one."`
	NoSave  bool   `name:"no-save" help:"Do not save the conversation afterwards."`
}

func (c *GenerateCmd) Run(g *Globals) error {
	prompt, err := readPrompt(c.Prompt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := g.open(reportAttempt)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := startOrResume(a, c.Session, c.Model, c.New); err != nil {
		return err
	}

	_, err = a.asst.Generate(ctx, prompt, printChunk)
	fmt.Println()
	if err != nil {
		return explain(err)
	}
	if !c.NoSave {
		return a.asst.SaveConversation(c.Session)
	}
	return nil
}

func readPrompt(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", errors.New("empty prompt on stdin")
	}
	return p, nil
}

// startOrResume loads the saved conversation unless fresh is set or there
// is none, in which case a new one is started with model.
func startOrResume(a *app, session, model string, fresh bool) error {
	if !fresh {
		found, err := a.asst.LoadConversation(session)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}
	a.asst.InitializeSession(model)
	return nil
}

func printChunk(chunk string) {
	fmt.Print(chunk)
}

// reportAttempt tells the user that the output so far will be replaced.
func reportAttempt(at generation.Attempt) {
	fmt.Fprintf(os.Stderr, "\n%s\n", styleCooldown.Render(fmt.Sprintf(
		"[%s failed on %s: %s, trying the next key/model; ignore the partial text above]",
		at.Candidate.Credential.Name, at.Candidate.Model, llm.Describe(at.Kind).Title)))
}

// explain turns a generation error into the message shown to the user.
func explain(err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.New("cancelled")
	}
	var ex *generation.ExhaustedError
	if !errors.As(err, &ex) {
		return err
	}
	d := llm.Describe(ex.Kind)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", d.Title, d.Message)
	if len(ex.Attempts) > 0 {
		fmt.Fprintf(&sb, " (%d attempts)", len(ex.Attempts))
	}
	for _, s := range d.Suggestions {
		sb.WriteString("\n  - " + s)
	}
	return errors.New(sb.String())
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/types"
)

type HistoryCmd struct {
	Export HistoryExportCmd `cmd:"" help:"Write a conversation's turns as JSON."`
	Import HistoryImportCmd `cmd:"" help:"Replace a conversation's turns from JSON."`
}

type HistoryExportCmd struct {
	Session string `help:"Conversation name." default:"default"`
	Out     string `help:"Output file (default: stdout)." type:"path"`
}

func (c *HistoryExportCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	found, err := a.asst.LoadConversation(c.Session)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no conversation named %q", c.Session)
	}
	turns := a.asst.ExportHistory()

	if c.Out == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}
	if err := config.AtomicWriteJSON(c.Out, turns, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Exported %d turns to %s\n", len(turns), c.Out)
	return nil
}

type HistoryImportCmd struct {
	Session string `help:"Conversation name." default:"default"`
	In      string `required:"" help:"JSON file with turns." type:"existingfile"`
	Model   string `help:"Preferred model for the imported conversation."`
}

func (c *HistoryImportCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.In)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	var turns []types.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.asst.InitializeSession(c.Model)
	if err := a.asst.ImportHistory(turns); err != nil {
		return err
	}
	if err := a.asst.SaveConversation(c.Session); err != nil {
		return err
	}
	fmt.Printf("Imported %d turns into %s\n", len(turns), c.Session)
	return nil
}

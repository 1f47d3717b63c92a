package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/roelfdiedericks/docgen/internal/credential"
)

var (
	styleActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleCooldown = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDisabled = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleBold     = lipgloss.NewStyle().Bold(true)
)

type KeysCmd struct {
	Add      KeysAddCmd      `cmd:"" help:"Add an API key (prompts when TOKEN is omitted)."`
	Remove   KeysRemoveCmd   `cmd:"" help:"Remove a key."`
	List     KeysListCmd     `cmd:"" default:"1" help:"List keys and their status."`
	Reset    KeysResetCmd    `cmd:"" help:"Re-activate a key, or all keys."`
	Rotate   KeysRotateCmd   `cmd:"" help:"Select the next active key."`
	Activate KeysActivateCmd `cmd:"" help:"Select a key, re-activating it if needed."`
	Rename   KeysRenameCmd   `cmd:"" help:"Rename a key."`
}

type KeysAddCmd struct {
	Token string `arg:"" optional:"" help:"API key."`
	Name  string `help:"Display name (default: Key N)."`
}

func (c *KeysAddCmd) Run(g *Globals) error {
	token := c.Token
	if token == "" {
		var err error
		if token, err = readSecret("API key: "); err != nil {
			return err
		}
	}

	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := a.asst.AddCredential(token, c.Name)
	switch {
	case errors.Is(err, credential.ErrDuplicate):
		return errors.New("that key is already in the pool")
	case errors.Is(err, credential.ErrInvalidFormat):
		return errors.New("that does not look like an API key")
	case errors.Is(err, credential.ErrPoolFull):
		return fmt.Errorf("the pool is full (%d keys)", a.cfg.Credentials.MaxCredentials)
	case err != nil:
		return err
	}
	fmt.Printf("Added %s (%s)\n", styleBold.Render(cred.Name), cred.Masked())
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

type KeysRemoveCmd struct {
	Ref string `arg:"" help:"Key name, ID, token or position."`
}

func (c *KeysRemoveCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.asst.RemoveCredential(c.Ref); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", c.Ref)
	return nil
}

type KeysListCmd struct{}

func (c *KeysListCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	views := a.asst.ListCredentials()
	if len(views) == 0 {
		fmt.Println("No keys. Add one with: docgen keys add")
		return nil
	}
	for i, v := range views {
		marker := " "
		if v.Selected {
			marker = "*"
		}
		fmt.Printf("%s %2d  %-12s %s  %s\n", marker, i+1, v.Name, v.Masked, statusLabel(v))
	}
	s := a.asst.Pool().Stats()
	fmt.Println(styleDim.Render(fmt.Sprintf("%d keys: %d active, %d cooling down, %d disabled", s.Total, s.Active, s.Cooldown, s.Disabled)))
	return nil
}

func statusLabel(v credential.View) string {
	switch v.Status {
	case credential.StatusCooldown:
		label := "cooldown"
		if v.CooldownUntil != nil {
			label += " " + time.Until(*v.CooldownUntil).Round(time.Second).String()
		}
		return styleCooldown.Render(label)
	case credential.StatusDisabled:
		label := "disabled"
		if v.LastError != "" {
			label += " (" + string(v.LastError) + ")"
		}
		return styleDisabled.Render(label)
	default:
		label := "active"
		if v.ConsecutiveErrors > 0 {
			label += fmt.Sprintf(" (%d errors)", v.ConsecutiveErrors)
		}
		return styleActive.Render(label)
	}
}

type KeysResetCmd struct {
	Ref string `arg:"" optional:"" help:"Key to reset."`
	All bool   `help:"Reset every key."`
}

func (c *KeysResetCmd) Run(g *Globals) error {
	if c.Ref == "" && !c.All {
		return errors.New("name a key or pass --all")
	}
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.All {
		a.asst.ResetAll()
		fmt.Println("All keys re-activated")
		return nil
	}
	cred, ok := a.asst.Pool().Find(c.Ref)
	if !ok {
		return fmt.Errorf("%w: %s", credential.ErrNotFound, c.Ref)
	}
	if err := a.asst.Pool().Reset(cred.ID); err != nil {
		return err
	}
	fmt.Printf("%s re-activated\n", cred.Name)
	return nil
}

type KeysRotateCmd struct{}

func (c *KeysRotateCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.asst.RotateToNext()
	switch {
	case !res.Found:
		return errors.New("no active key to rotate to")
	case !res.Rotated:
		fmt.Printf("%s is the only active key\n", res.Next.Name)
	default:
		fmt.Printf("Now using %s (%s)\n", styleBold.Render(res.Next.Name), res.To)
	}
	return nil
}

type KeysActivateCmd struct {
	Ref string `arg:"" help:"Key name, ID, token or position."`
}

func (c *KeysActivateCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	cred, ok := a.asst.Pool().Find(c.Ref)
	if !ok {
		return fmt.Errorf("%w: %s", credential.ErrNotFound, c.Ref)
	}
	if err := a.asst.Pool().SetActive(cred.ID); err != nil {
		return err
	}
	fmt.Printf("Now using %s\n", styleBold.Render(cred.Name))
	return nil
}

type KeysRenameCmd struct {
	Ref  string `arg:"" help:"Key name, ID, token or position."`
	Name string `arg:"" help:"New name."`
}

func (c *KeysRenameCmd) Run(g *Globals) error {
	a, err := g.open(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	cred, ok := a.asst.Pool().Find(c.Ref)
	if !ok {
		return fmt.Errorf("%w: %s", credential.ErrNotFound, c.Ref)
	}
	return a.asst.Pool().Rename(cred.ID, c.Name)
}

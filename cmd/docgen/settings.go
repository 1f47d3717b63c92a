package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/logging"
)

type SettingsCmd struct {
	Show SettingsShowCmd `cmd:"" default:"1" help:"Print the effective configuration."`
	Init SettingsInitCmd `cmd:"" help:"Write a config file with the defaults."`
}

type SettingsShowCmd struct {
	Format string `help:"Output format." enum:"yaml,json,toml" default:"yaml"`
}

func (c *SettingsShowCmd) Run(g *Globals) error {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	// keys in the config are shown masked
	for i, k := range cfg.Credentials.Preload {
		cfg.Credentials.Preload[i] = logging.Mask(k)
	}
	if cfg.Storage.RedisPassword != "" {
		cfg.Storage.RedisPassword = logging.Mask(cfg.Storage.RedisPassword)
	}

	data, err := config.Encode("docgen."+c.Format, cfg)
	if err != nil {
		return err
	}
	if path == "" {
		path = "built-in defaults"
	}
	fmt.Fprintf(os.Stderr, "# from %s\n", path)
	_, err = os.Stdout.Write(data)
	return err
}

type SettingsInitCmd struct {
	Force bool `help:"Overwrite an existing file (a backup is kept)."`
}

func (c *SettingsInitCmd) Run(g *Globals) error {
	target, err := defaultConfigTarget(g)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil && !c.Force {
		return fmt.Errorf("%s exists, pass --force to overwrite", target)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.Save(target, config.Defaults()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", target)
	return nil
}

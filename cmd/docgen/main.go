package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/docgen/internal/assistant"
	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/metrics"
	"github.com/roelfdiedericks/docgen/internal/paths"
	"github.com/roelfdiedericks/docgen/internal/tokens"
)

const version = "0.3.0"

// Globals are the flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Config file (default: ./docgen.* then ~/.docgen/docgen.*)." type:"path"`
	LogLevel   string `name:"log-level" help:"trace, debug, info, warn or error."`
	MetricsOut string `name:"metrics-out" help:"Write Prometheus textfile metrics here on exit." type:"path"`
}

type CLI struct {
	Globals

	Keys     KeysCmd     `cmd:"" help:"Manage API keys."`
	Generate GenerateCmd `cmd:"" help:"Send a prompt and stream the answer."`
	Pipeline PipelineCmd `cmd:"" help:"Write a document section by section."`
	History  HistoryCmd  `cmd:"" help:"Export or import a conversation."`
	Settings SettingsCmd `cmd:"" name:"config" help:"Show or create the config file."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("docgen %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("docgen"),
		kong.Description("Long-form document generation with API key failover."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// app is what a command works with once config and storage are open.
type app struct {
	cfg     *config.Config
	cfgPath string
	store   kvstore.Store
	metrics *metrics.Recorder
	asst    *assistant.Assistant
	out     string
}

// loadConfig reads the config and initializes logging from it.
func (g *Globals) loadConfig() (*config.Config, string, error) {
	cfg, path, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, "", err
	}

	level := LevelInfo
	name := cfg.Logging.Level
	if g.LogLevel != "" {
		name = g.LogLevel
	}
	if l, ok := ParseLevel(name); ok {
		level = l
	} else if name != "" {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", name)
	}
	Init(&LogConfig{Level: level, TimeFormat: "15:04:05", ShowCaller: cfg.Logging.ShowCaller, Output: os.Stderr})
	if path != "" {
		L_debug("config loaded", "path", path)
	}
	return cfg, path, nil
}

func (g *Globals) open(onAttempt func(generation.Attempt)) (*app, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := kvstore.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, cfgPath: path, store: store, metrics: metrics.New(), out: g.MetricsOut}
	if a.out == "" {
		a.out = cfg.Metrics.TextfilePath
	}

	a.asst, err = assistant.New(assistant.Options{
		Config:    cfg,
		Store:     store,
		Metrics:   a.metrics,
		Estimator: tokens.New(),
		OnAttempt: onAttempt,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.asst.Close()
	if err := a.metrics.WriteTextfile(a.out); err != nil {
		L_warn("metrics not written", "path", a.out, "error", err)
	}
	if err := a.store.Close(); err != nil {
		L_warn("store close failed", "error", err)
	}
}

// defaultConfigTarget is where `config init` writes when no path is given.
func defaultConfigTarget(g *Globals) (string, error) {
	if g.ConfigFile != "" {
		return g.ConfigFile, nil
	}
	return paths.DefaultConfigPath()
}

// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vivarium runs a multi-agent economy world.
//
// Usage:
//
//	vivarium run --config world.yaml
//	vivarium run --config world.yaml --restore
//	vivarium validate --config world.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	vivarium "github.com/kadirpekel/vivarium"
	"github.com/kadirpekel/vivarium/pkg/config"
	"github.com/kadirpekel/vivarium/pkg/logger"
	"github.com/kadirpekel/vivarium/pkg/world"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Run a world until a stop condition fires."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(vivarium.GetVersion())
	return nil
}

// RunCmd runs a world.
type RunCmd struct {
	Restore bool `help:"Restore world state from the checkpoint file before starting."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	w, err := world.Build(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to build world: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			slog.Warn("Failed to close world cleanly", "error", err)
		}
	}()

	if c.Restore {
		// A corrupt checkpoint is an unrecoverable invariant violation;
		// surface it as a non-zero exit.
		if err := w.Restore(); err != nil {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	reason, err := w.Driver.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("World stopped: %s (api cost $%.4f)\n", reason, w.Costs.Total())
	return nil
}

// ValidateCmd parses and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	fmt.Printf("  seed principals: %d\n", len(cfg.World.Seed.Principals))
	fmt.Printf("  seed artifacts:  %d\n", len(cfg.World.Seed.Artifacts))
	fmt.Printf("  storage:         %s\n", cfg.Storage.Backend)
	fmt.Printf("  llm provider:    %s (model %s)\n", cfg.LLM.Provider, cfg.LLM.DefaultModel)
	fmt.Printf("  supervisor:      %v\n", cfg.Supervisor.Enabled)
	fmt.Printf("  auction:         %v\n", cfg.Auction.Enabled)
	if cfg.Budget.MaxAPICost > 0 {
		fmt.Printf("  budget cap:      $%.2f\n", cfg.Budget.MaxAPICost)
	}
	return nil
}

// loadConfig reads the config file and applies CLI logging overrides.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if cli.LogFile != "" {
		cfg.Logging.File = cli.LogFile
	}
	if _, err := logger.Setup(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("vivarium"),
		kong.Description("vivarium - a budget-governed multi-agent economy runtime"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/providers"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(cfgFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			return runInit(path)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runInit(path string) error {
	cfg := config.Default()

	model := cfg.Model.Default
	driver := cfg.Store.Driver
	dbPath := cfg.Store.Path
	port := strconv.Itoa(cfg.Gateway.Port)
	budget := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Default model").
				Description("provider:model_id, e.g. anthropic:claude-sonnet-4-6").
				Value(&model),
			huh.NewSelect[string]().
				Title("Store backend").
				Options(
					huh.NewOption("SQLite (embedded)", "sqlite"),
					huh.NewOption("Postgres (reads LOOM_POSTGRES_DSN)", "postgres"),
				).
				Value(&driver),
			huh.NewInput().
				Title("SQLite database path").
				Value(&dbPath),
			huh.NewInput().
				Title("Gateway port").
				Validate(validatePort).
				Value(&port),
			huh.NewInput().
				Title("Team budget in USD (empty disables the ceiling)").
				Validate(validateBudget).
				Value(&budget),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Model.Default = model
	cfg.Store.Driver = driver
	cfg.Store.Path = dbPath
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	if budget != "" {
		cfg.Budget.LimitUSD, _ = strconv.ParseFloat(budget, 64)
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)

	provider, _ := providers.ParseModel(model, "anthropic")
	fmt.Printf("Set %s_API_KEY in your environment, then run: loom serve\n", strings.ToUpper(provider))
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}

func validateBudget(s string) error {
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("budget must be a number")
	}
	return nil
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("loom doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Println()

	cfgPath := config.ResolvePath(cfgFile)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg)

	fmt.Println()
	fmt.Println("  Models:")
	fmt.Printf("    %-12s %s\n", "Default:", cfg.Model.Default)
	if cfg.Model.Weak != "" {
		fmt.Printf("    %-12s %s\n", "Weak:", cfg.Model.Weak)
	}
	if cfg.Model.Architect != "" {
		fmt.Printf("    %-12s %s\n", "Architect:", cfg.Model.Architect)
	}
	if cfg.Model.Editor != "" {
		fmt.Printf("    %-12s %s\n", "Editor:", cfg.Model.Editor)
	}
	if len(cfg.Model.Escalation.Chain) > 0 {
		fmt.Printf("    %-12s %s\n", "Escalation:", strings.Join(cfg.Model.Escalation.Chain, " -> "))
	}

	fmt.Println()
	fmt.Println("  Providers:")
	for _, name := range providerNames(cfg) {
		checkProvider(name, config.APIKeyFor(name))
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Address:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token != "" {
		fmt.Printf("    %-12s required\n", "Token:")
	} else {
		fmt.Printf("    %-12s open (set [gateway] token to restrict)\n", "Token:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStore(cfg *config.Config) {
	driver := cfg.Store.Driver
	if driver == "" {
		driver = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Driver:", driver)
	if driver == "postgres" && cfg.Store.PostgresDSN == "" {
		fmt.Printf("    %-12s LOOM_POSTGRES_DSN is not set\n", "Status:")
		return
	}
	if driver == "sqlite" {
		fmt.Printf("    %-12s %s\n", "Path:", cfg.Store.Path)
	}

	m, db, err := newMigrator()
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Printf("    %-12s empty (run: loom migrate up)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: loom migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkProvider(name, apiKey string) {
	label := name + ":"
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (no API key)\n", label)
	case len(apiKey) >= 8:
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", label, masked)
	default:
		fmt.Printf("    %-12s (set)\n", label)
	}
}

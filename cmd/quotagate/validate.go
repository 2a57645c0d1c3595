package main

import (
	"context"
	"fmt"
	"os"
	"time"

	qghttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the quotagate configuration file.

Checks:
  - YAML syntax is valid
  - Limits, actions and timezone are valid
  - Demo API is reachable (optional)
  - Store can be opened (optional)

Examples:
  quotagate validate
  quotagate validate --check-demo-api --check-store`,
	RunE: runValidate,
}

var (
	validateCheckDemo  bool
	validateCheckStore bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDemo, "check-demo-api", false, "check if the demo API is reachable")
	validateCmd.Flags().BoolVar(&validateCheckStore, "check-store", false, "check if the store can be opened")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config valid\n", checkMark)

	q := cfg.Quota
	fmt.Printf("  %s Limits: daily %d, hourly %d, total %d, per action %d, cooldown %d min\n",
		checkMark, q.DailyLimit, q.HourlyLimit, q.MonthlyLimit, q.PerActionLimit, q.CooldownMinutes)
	fmt.Printf("  %s Timezone: %s\n", checkMark, q.Location())
	fmt.Printf("  %s Actions configured: %d\n", checkMark, len(cfg.Actions))
	fmt.Printf("  %s Store: %s\n", checkMark, cfg.Storage.Driver)
	if cfg.Auth.AdminEnabled() {
		fmt.Printf("  %s Admin API enabled for %q\n", checkMark, cfg.Auth.AdminUser)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Printf("  %s auth.jwt_secret not set, only anonymous callers are tracked\n", warnMark)
	}

	if validateCheckDemo {
		if err := checkDemoAPI(cfg.DemoAPI); err != nil {
			fmt.Printf("  %s Demo API reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Demo API reachable\n", checkMark)
		}
	}

	if validateCheckStore {
		if err := checkStore(cfg.Storage); err != nil {
			fmt.Printf("  %s Store reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Store reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDemoAPI(cfg config.DemoAPIConfig) error {
	client, err := qghttp.NewDemoClient(qghttp.DemoConfig{URL: cfg.URL, Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.HealthCheck(ctx)
}

func checkStore(cfg config.StorageConfig) error {
	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.Ping(ctx)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
	warnMark  = "\033[33m!\033[0m"
)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/rylieai/handover/internal/adapter/postgres"
	"github.com/rylieai/handover/internal/config"
	"github.com/rylieai/handover/internal/domain/handover"
	"github.com/rylieai/handover/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "check-config":
		return runAdminCheckConfig(args[1:])
	case "abtest-create":
		return runAdminABTestCreate(args[1:])
	case "abtest-list":
		return runAdminABTestList(args[1:])
	case "abtest-status":
		return runAdminABTestStatus(args[1:])
	case "variant":
		return runAdminVariant(args[1:])
	case "override-set":
		return runAdminOverrideSet(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: handover admin <command> [options]

Commands:
  migrate          Apply (or roll back) the handover database migrations
  check-config     Validate a handover config directory and print effective configs
  abtest-create    Create an A/B test from a YAML or JSON file
  abtest-list      List A/B tests
  abtest-status    Change the lifecycle status of an A/B test
  variant          Show the variant a dealership is assigned in a test
  override-set     Store a runtime config override for a dealership
  help             Show this help message

Examples:
  handover admin migrate
  handover admin migrate --down 1
  handover admin check-config config/handover
  handover admin abtest-create --file threshold-test.yaml --activate
  handover admin abtest-status threshold-test paused
  handover admin variant threshold-test dealer-42
  handover admin override-set --dealership dealer-42 --file dealer-42.yaml
`)
}

// outputJSON reports whether results should be machine-readable: always
// when requested, otherwise whenever stdout is not a terminal.
func outputJSON(forced bool) bool {
	return forced || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadAdminConfigService connects to the database and loads the handover
// configuration with the store-backed layers.
func loadAdminConfigService(ctx context.Context) (*service.ConfigService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	svc := service.NewConfigService(service.ConfigOptions{
		Dir:   cfg.Handover.ConfigDir,
		Store: postgres.NewStore(pool),
	})
	if err := svc.Reload(ctx, service.ReloadManual); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool.Close, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "print the current migration version only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch {
	case *status:
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
	default:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	}

	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Database at migration version %d\n", version)
	return nil
}

func runAdminCheckConfig(args []string) error {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := fs.Arg(0)
	if dir == "" {
		return fmt.Errorf("usage: handover admin check-config <dir>")
	}

	ctx := context.Background()
	svc := service.NewConfigService(service.ConfigOptions{Dir: dir})
	if err := svc.Reload(ctx, service.ReloadManual); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ids := append([]string{"(default)"}, svc.Dealerships()...)
	effective := make(map[string]handover.DealershipConfig, len(ids))
	for _, id := range ids {
		lookup := id
		if id == "(default)" {
			lookup = ""
		}
		effective[id] = svc.GetDealershipConfig(ctx, lookup)
	}
	_, rules := svc.RuleCatalog()

	if outputJSON(*asJSON) {
		return printJSON(map[string]any{
			"rules":       len(rules),
			"abTests":     svc.ListABTests(),
			"dealerships": effective,
		})
	}

	fmt.Fprintf(os.Stderr, "Configuration in %s is valid: %d rules, %d A/B tests\n", dir, len(rules), len(svc.ListABTests()))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEALERSHIP\tML THRESHOLD\tENGAGED/WINDOW\tSLA HOURS\tBUSINESS HOURS\tVARIANT")
	for _, id := range ids {
		c := effective[id]
		variant := "-"
		if c.Variant != "" {
			variant = c.ABTest + "/" + c.Variant
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%d/%dm\t%d\t%t\t%s\n",
			id, c.MLThreshold, c.Behavioural.EngagedReplies, c.Behavioural.WindowMinutes,
			c.SLA.NoResponseHours, c.SLA.BusinessHoursOnly, variant)
	}
	return tw.Flush()
}

// readDocument decodes a YAML or JSON file (JSON is valid YAML).
func readDocument(path string, v any) error {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func runAdminABTestCreate(args []string) error {
	fs := flag.NewFlagSet("abtest-create", flag.ContinueOnError)
	file := fs.String("file", "", "YAML or JSON test definition (required)")
	activate := fs.Bool("activate", false, "create the test in active status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	var t handover.ABTest
	if err := readDocument(*file, &t); err != nil {
		return err
	}
	if *activate {
		t.Status = handover.ABTestActive
	}

	ctx := context.Background()
	svc, cleanup, err := loadAdminConfigService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	created, err := svc.CreateABTest(ctx, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Created A/B test %q (%s) with %d variants, status %s\n",
		created.Name, created.ID, len(created.Variants), created.Status)
	return nil
}

func runAdminABTestList(args []string) error {
	fs := flag.NewFlagSet("abtest-list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	svc, cleanup, err := loadAdminConfigService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tests := svc.ListABTests()
	if outputJSON(*asJSON) {
		return printJSON(tests)
	}
	if len(tests) == 0 {
		fmt.Fprintln(os.Stderr, "No A/B tests.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tVARIANTS\tCONTROL\tCREATED")
	for _, t := range tests {
		variants := make([]string, 0, len(t.Variants))
		for _, v := range t.Variants {
			variants = append(variants, fmt.Sprintf("%s=%d%%", v.ID, v.Percentage))
		}
		created := "-"
		if !t.CreatedAt.IsZero() {
			created = t.CreatedAt.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n",
			t.Name, t.Status, strings.Join(variants, ","), 100-t.TotalPercentage(), created)
	}
	return tw.Flush()
}

func runAdminABTestStatus(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: handover admin abtest-status <test> <draft|active|paused|completed>")
	}

	ctx := context.Background()
	svc, cleanup, err := loadAdminConfigService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.SetABTestStatus(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "A/B test %q is now %s\n", args[0], args[1])
	return nil
}

func runAdminVariant(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: handover admin variant <test> <dealership>")
	}
	test, dealership := args[0], args[1]

	ctx := context.Background()
	svc, cleanup, err := loadAdminConfigService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	variant, ok := svc.GetABTestVariant(test, dealership)
	if !ok {
		variant = "control"
	}
	fmt.Println(variant)
	return nil
}

func runAdminOverrideSet(args []string) error {
	fs := flag.NewFlagSet("override-set", flag.ContinueOnError)
	dealership := fs.String("dealership", "", "dealership id (required)")
	file := fs.String("file", "", "YAML or JSON override layer (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dealership == "" || *file == "" {
		return fmt.Errorf("--dealership and --file are required")
	}

	layer := map[string]any{}
	if err := readDocument(*file, &layer); err != nil {
		return err
	}

	ctx := context.Background()
	svc, cleanup, err := loadAdminConfigService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.PutDealershipOverride(ctx, *dealership, layer); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Override stored for %s\n", *dealership)
	return printJSON(svc.GetDealershipConfig(ctx, *dealership))
}

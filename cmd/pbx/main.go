package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"planbox/internal/audit"
	"planbox/internal/config"
	"planbox/internal/contract"
	"planbox/internal/engine"
	"planbox/internal/fsutil"
	"planbox/internal/outbox"
	"planbox/internal/registry"
	"planbox/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "pbx",
	Short: "Planbox CLI",
	Long: `Planbox turns machine-produced work item bundles into tracker work items.
Bundles land in outbox/ready, validate against the effective contract
(governance policy composed with tracker capability facts), and only
validated bundles are ever written. Every write run leaves exactly one
audit record.

Lifecycle: ready -> validated -> archived, with failed as the dead end
for bundles that did not pass validation.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PLANBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(writeCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(runsCmd())
}

func initCmd() *cobra.Command {
	var orgURL, project string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a planbox workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgURL, project)), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			for _, dir := range []string{cfg.Paths.Policy, cfg.Paths.Capability, cfg.Paths.Audit} {
				if err := fsutil.EnsureDir(workspacePath(dir)); err != nil {
					return err
				}
			}
			o := outbox.Outbox{Root: workspacePath(cfg.Paths.Outbox)}
			if err := o.Ensure(); err != nil {
				return err
			}
			if _, err := registry.EnsureWorkspace(workspace); err != nil {
				return err
			}
			fmt.Printf("initialized workspace at %s\n", workspace)
			fmt.Println("next: drop policy files into", cfg.Paths.Policy, "and capability facts into", cfg.Paths.Capability)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgURL, "org-url", "https://dev.azure.com/myorg", "tracker organization URL")
	cmd.Flags().StringVar(&project, "project", "MyProject", "tracker project name")
	return cmd
}

func validateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "validate [bundle...]",
		Short: "Validate bundles waiting in outbox/ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			e, err := loadContract(cfg)
			if err != nil {
				return err
			}
			o := outbox.Outbox{Root: workspacePath(cfg.Paths.Outbox)}
			if err := o.Ensure(); err != nil {
				return err
			}
			names, err := selectBundles(o, outbox.StateReady, args, all)
			if err != nil {
				return err
			}
			log := buildLogger()
			defer func() { _ = log.Sync() }()

			outcomes := o.RunValidation(e, names, time.Now, log)
			if viper.GetBool("json") {
				if err := printJSON(outcomes); err != nil {
					return err
				}
			} else {
				renderValidationTable(outcomes)
			}
			failed := 0
			for _, oc := range outcomes {
				if oc.Err != "" || (oc.Report != nil && !oc.Report.Passed()) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bundle(s) did not validate", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "validate every bundle in ready")
	return cmd
}

func renderValidationTable(outcomes []outbox.ValidationOutcome) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Bundle", "Result", "Findings", "Moved To"})
	for _, oc := range outcomes {
		result := "error"
		findings := 0
		if oc.Report != nil {
			findings = len(oc.Report.Findings)
			if oc.Report.Passed() {
				result = "passed"
			} else {
				result = "failed"
			}
		}
		if oc.Err != "" {
			result = "error: " + oc.Err
		}
		tw.AppendRow(table.Row{oc.Bundle, result, findings, oc.MovedTo})
	}
	tw.Render()
}

func writeCmd() *cobra.Command {
	var all, dryRun bool
	cmd := &cobra.Command{
		Use:   "write [bundle...]",
		Short: "Write validated bundles to the tracker",
		Long: `Writes each validated bundle's items to the tracker, parents before
children, halting a bundle's run at the first failed action. The token
is read from PLANBOX_TOKEN; it is never accepted as a flag.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token := viper.GetString("token")
			if token == "" && !dryRun {
				return fmt.Errorf("no tracker token: set PLANBOX_TOKEN")
			}
			e, err := loadContract(cfg)
			if err != nil {
				return err
			}
			o := outbox.Outbox{Root: workspacePath(cfg.Paths.Outbox)}
			if err := o.Ensure(); err != nil {
				return err
			}
			if err := fsutil.EnsureDir(workspacePath(cfg.Paths.Audit)); err != nil {
				return err
			}
			names, err := selectBundles(o, outbox.StateValidated, args, all)
			if err != nil {
				return err
			}
			log := buildLogger()
			defer func() { _ = log.Sync() }()

			return withRegistry(cmd.Context(), func(ctx context.Context, repo registry.Repo) error {
				var failed int
				var outcomes []engine.WriteOutcome
				for _, name := range names {
					// One recorder per bundle: exactly one audit record per run.
					g := &engine.Engine{
						Client: tracker.New(tracker.Config{
							OrgURL:     cfg.Tracker.OrgURL,
							Project:    cfg.Tracker.Project,
							Token:      token,
							APIVersion: cfg.Tracker.APIVersion,
						}),
						Contract: e,
						Config:   cfg,
						Token:    token,
						Recorder: audit.NewRecorder(workspacePath(cfg.Paths.Audit)),
						Repo:     repo,
						Log:      log,
						DryRun:   dryRun,
					}
					ocs := g.RunWrite(ctx, o, []string{name})
					outcomes = append(outcomes, ocs...)
					if stopped := len(ocs) > 0 && ocs[len(ocs)-1].Err != ""; stopped {
						// Later bundles stay untouched in validated.
						break
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(outcomes); err != nil {
						return err
					}
				} else {
					renderWriteTable(outcomes)
				}
				for _, oc := range outcomes {
					if oc.Err != "" {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d bundle(s) did not complete", failed, len(outcomes))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "write every bundle in validated")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record planned actions without calling the tracker")
	return cmd
}

func renderWriteTable(outcomes []engine.WriteOutcome) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Bundle", "Mode", "Created", "Linked", "Skipped", "Audit", "Error"})
	for _, oc := range outcomes {
		tw.AppendRow(table.Row{oc.Bundle, oc.Mode, oc.Created, oc.Linked, oc.Skipped, oc.AuditPath, oc.Err})
	}
	tw.Render()
}

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contract", Short: "Inspect the effective contract"}
	cmd.AddCommand(contractShowCmd())
	cmd.AddCommand(contractLintCmd())
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the composed effective contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			p, err := contract.LoadPolicy(workspacePath(cfg.Paths.Policy))
			if err != nil {
				return err
			}
			e, err := composeContract(cfg, p)
			if err != nil {
				return err
			}

			type typeRow struct {
				Canonical string   `json:"canonical"`
				Tracker   string   `json:"tracker"`
				Available bool     `json:"available"`
				Required  []string `json:"required_fields"`
			}
			var rows []typeRow
			for _, canonical := range sortedTypeNames(p) {
				trackerType, _ := e.ResolveType(canonical)
				rows = append(rows, typeRow{
					Canonical: canonical,
					Tracker:   trackerType,
					Available: e.TypeAvailable(canonical),
					Required:  e.RequiredFields(canonical),
				})
			}
			out := map[string]any{
				"composed_at":    e.ComposedAt().UTC().Format(time.RFC3339),
				"types":          rows,
				"creation_order": e.CreationOrder(),
				"max_depth":      e.MaxDepth(),
				"required_tags":  e.RequiredTags(),
				"diagnostics":    e.Diagnostics(),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Canonical", "Tracker Type", "Available", "Required Fields"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Canonical, r.Tracker, r.Available, strings.Join(r.Required, ", ")})
			}
			tw.Render()
			fmt.Println("creation order:", strings.Join(e.CreationOrder(), " -> "))
			fmt.Println("max depth:", e.MaxDepth())
			if tags := e.RequiredTags(); len(tags) > 0 {
				fmt.Println("required tags:", strings.Join(tags, ", "))
			}
			for _, d := range e.Diagnostics() {
				fmt.Println("diagnostic:", d)
			}
			return nil
		},
	}
}

func contractLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Report policy entries the capability facts cannot honor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			p, err := contract.LoadPolicy(workspacePath(cfg.Paths.Policy))
			if err != nil {
				return err
			}
			c, err := contract.LoadCapability(workspacePath(cfg.Paths.Capability))
			if err != nil {
				return err
			}
			problems := contract.Lint(p, c)
			if viper.GetBool("json") {
				return printJSON(problems)
			}
			if len(problems) == 0 {
				fmt.Println("contract is clean")
				return nil
			}
			for _, p := range problems {
				fmt.Println(p)
			}
			return fmt.Errorf("%d contract problem(s)", len(problems))
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and watch the outbox"}
	cmd.AddCommand(outboxStatusCmd())
	cmd.AddCommand(outboxWatchCmd())
	return cmd
}

func outboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bundle counts per lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			o := outbox.Outbox{Root: workspacePath(cfg.Paths.Outbox)}
			states := []outbox.State{outbox.StateReady, outbox.StateValidated, outbox.StateFailed, outbox.StateArchived}
			out := map[string][]string{}
			for _, s := range states {
				names, err := o.List(s)
				if err != nil {
					return err
				}
				out[string(s)] = names
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"State", "Count", "Bundles"})
			for _, s := range states {
				tw.AppendRow(table.Row{string(s), len(out[string(s)]), strings.Join(out[string(s)], ", ")})
			}
			tw.Render()
			return nil
		},
	}
}

func outboxWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch ready/ and validate bundles as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			o := outbox.Outbox{Root: workspacePath(cfg.Paths.Outbox)}
			if err := o.Ensure(); err != nil {
				return err
			}
			log := buildLogger()
			defer func() { _ = log.Sync() }()

			return o.Watch(cmd.Context(), log, func(name string) {
				// Recompose per bundle so capability freshness is
				// checked against arrival time, not watch start.
				e, err := loadContract(cfg)
				if err != nil {
					log.Error("contract composition failed", zap.Error(err))
					return
				}
				o.RunValidation(e, []string{name}, time.Now, log)
			})
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect past write runs"}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsDiffCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded write runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, repo registry.Repo) error {
				runs, err := repo.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Bundle", "Mode", "Result", "Started", "Audit"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunID, r.BundleID, r.Mode, r.Result,
						r.StartedAt.Format(time.RFC3339), r.AuditPath})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func runsDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <run-id> <run-id>",
		Short: "Compare the planned actions of two runs",
		Long: `Compares what two runs planned to do, typically a dry run against the
real run that followed it. An empty diff means the real run did exactly
what the dry run predicted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, repo registry.Repo) error {
				var records [2]*audit.Record
				for i, runID := range args {
					run, err := repo.GetRun(ctx, runID)
					if err != nil {
						return fmt.Errorf("run %s: %w", runID, err)
					}
					rec, err := audit.Load(run.AuditPath)
					if err != nil {
						return fmt.Errorf("audit record for %s: %w", runID, err)
					}
					records[i] = rec
				}
				diff := audit.Diff(records[0], records[1])
				if diff == "" {
					fmt.Println("runs planned identical actions")
					return nil
				}
				fmt.Print(diff)
				return fmt.Errorf("runs diverge")
			})
		},
	}
}

func workspacePath(parts ...string) string {
	workspace := viper.GetString("workspace")
	return filepath.Join(append([]string{workspace}, parts...)...)
}

func loadContract(cfg *config.Config) (*contract.Effective, error) {
	p, err := contract.LoadPolicy(workspacePath(cfg.Paths.Policy))
	if err != nil {
		return nil, err
	}
	return composeContract(cfg, p)
}

func composeContract(cfg *config.Config, p *contract.Policy) (*contract.Effective, error) {
	c, err := contract.LoadCapability(workspacePath(cfg.Paths.Capability))
	if err != nil {
		return nil, err
	}
	return contract.Compose(p, c, contract.ComposeOptions{
		ReferenceTime: time.Now(),
		MaxAge:        time.Duration(cfg.Capability.MaxAge),
	})
}

func sortedTypeNames(p *contract.Policy) []string {
	names := make([]string, 0, len(p.TypeMap.CanonicalTypes))
	for name := range p.TypeMap.CanonicalTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func selectBundles(o outbox.Outbox, state outbox.State, args []string, all bool) ([]string, error) {
	if all {
		names, err := o.List(state)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no bundles in %s", state)
		}
		return names, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("name at least one bundle or pass --all")
	}
	return args, nil
}

func withRegistry(ctx context.Context, fn func(context.Context, registry.Repo) error) error {
	conn, err := registry.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := registry.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, registry.Repo{DB: conn})
}

func buildLogger() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if viper.GetBool("verbose") {
		log, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		log, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/health"
	"github.com/agentworkforce/episodesync/internal/logging"
	"github.com/agentworkforce/episodesync/internal/scheduler"
	"github.com/agentworkforce/episodesync/internal/state"
	"github.com/agentworkforce/episodesync/internal/transform"
)

var allSources = []string{"gmail", "drive", "calendar", "slack"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

type app struct {
	cfg   config.Config
	store state.Store
	sched *scheduler.Scheduler
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "episodesync",
		Short:        "Incremental sync of Gmail, Drive, Calendar and Slack into an episode store",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", config.DefaultDotenvPath, ".env file merged under the environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format override (json|console)")

	root.AddCommand(newRunCmd(flags, stderr))
	root.AddCommand(newBackfillCmd(flags, stderr))
	root.AddCommand(newStatusCmd(flags, stderr))
	root.AddCommand(newChannelsCmd(flags, stderr))

	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Redaction rule utilities",
	}
	rulesCmd.AddCommand(newRulesCheckCmd(flags, stderr))
	root.AddCommand(rulesCmd)
	return root
}

func newRunCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:       "run [source...]",
		Short:     "Run one incremental sync pass (all sources when none are given)",
		ValidArgs: allSources,
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()
			sources := args
			if len(sources) == 0 {
				sources = allSources
			}
			var errs []error
			for _, source := range sources {
				n, err := a.sched.RunSource(cmd.Context(), source)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: failed: %v\n", source, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d episodes\n", source, n)
			}
			return errors.Join(errs...)
		},
	}
}

func newBackfillCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "backfill <source>",
		Short:     "Re-read the recent history of one source",
		ValidArgs: allSources,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
			a, err := openApp(flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()
			if days == 0 {
				days = a.cfg.SourceBackfillDays(args[0])
			}
			n, err := a.sched.BackfillSource(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d episodes over %d days\n", args[0], n, days)
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "days to backfill (default from config)")
	return cmd
}

func newStatusCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-source sync health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			a, err := openApp(flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()
			metrics, err := a.sched.Health(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), metrics)
			}
			fmt.Fprint(cmd.OutOrStdout(), health.FormatDashboard(metrics))
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print metrics as JSON")
	return cmd
}

func newChannelsCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List Slack channels visible to the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			a, err := openApp(flags, stderr)
			if err != nil {
				return err
			}
			defer a.close()
			channels, err := a.sched.ListSlackChannels(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(channels, func(i, j int) bool {
				return fmt.Sprint(channels[i]["id"]) < fmt.Sprint(channels[j]["id"])
			})
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), channels)
			}
			allow := map[string]bool{}
			for _, entry := range a.cfg.SlackChannelAllowlist {
				allow[strings.ToLower(entry)] = true
			}
			for _, ch := range channels {
				id, _ := ch["id"].(string)
				name, _ := ch["name"].(string)
				mark := " "
				if len(allow) == 0 || allow[strings.ToLower(id)] || allow[strings.ToLower(name)] {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-12s %s\n", mark, id, name)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print channels as JSON")
	return cmd
}

func newRulesCheckCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a redaction rules file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				path = cfg.RedactionRulesPath
			}
			if strings.TrimSpace(path) == "" {
				return errors.New("no rules file given and redaction_rules_path is not set")
			}
			specs, problems := transform.LoadRulesFile(state.ExpandHome(path))
			out := cmd.OutOrStdout()
			valid := 0
			for _, spec := range specs {
				rule, err := transform.NewRedactionRule(spec.Pattern, spec.Replacement, spec.Name)
				if err != nil {
					problems = append(problems, fmt.Errorf("rule %q: %w", spec.Pattern, err))
					continue
				}
				valid++
				fmt.Fprintf(out, "ok      %s\n", rule.Name)
			}
			for _, problem := range problems {
				fmt.Fprintf(out, "invalid %v\n", problem)
			}
			fmt.Fprintf(out, "%d valid, %d invalid\n", valid, len(problems))
			if len(problems) > 0 {
				return fmt.Errorf("%d invalid rules in %s", len(problems), path)
			}
			return nil
		},
	}
}

func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Path: flags.configPath, DotenvPath: flags.envFile})
	if err != nil {
		return config.Config{}, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	return cfg, nil
}

func openApp(flags *globalFlags, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: stderr})
	if err != nil {
		return nil, err
	}
	store, err := state.BuildFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	sched, err := scheduler.New(scheduler.Options{
		Config: func() config.Config { return cfg },
		Store:  store,
		Logger: logging.Printer{L: *logging.Subsystem(logger, "cli")},
	})
	if err != nil {
		closeStore(store)
		return nil, err
	}
	return &app{cfg: cfg, store: store, sched: sched}, nil
}

func (a *app) close() {
	closeStore(a.store)
}

func closeStore(store state.Store) {
	if closer, ok := store.(io.Closer); ok {
		_ = closer.Close()
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fireline/internal/app"
	"fireline/internal/config"
	"fireline/internal/db"
	"fireline/internal/domain"
	"fireline/internal/events"
	"fireline/internal/migrate"
	firelinesdk "fireline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fire",
	Short: "Fireline incident CLI",
	Long: `Fireline keeps one durable actor per incident.
- Incident: status open -> mitigating -> resolved or declined; resolved and declined are final.
- Event log: every change appends an event; forwardable events wait in an outbox until the workflow backend accepts them.
- Alarm: the single wake-up per incident that classifies, dispatches, runs the agent and cleans up.
- Affection: the status-page view of impact; its status only moves forward.
- Runner: 'fire run' services alarms for every incident in the workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if commandFailed(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIRELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("adapter", domain.AdapterDashboard, "adapter recorded on events (dashboard or slack)")
	rootCmd.PersistentFlags().String("runner", "", "runner API address; defaults to the runner serving the workspace, if any")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("adapter", rootCmd.PersistentFlags().Lookup("adapter"))
	_ = viper.BindPFlag("runner", rootCmd.PersistentFlags().Lookup("runner"))
}

func registerCommands() {
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

func runCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Service incident alarms and expose the runner API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(c *app.Context) error {
				r, err := c.NewRunner(version)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("addr") {
					r.Addr = addr
				}
				if r.Addr != "" {
					fmt.Fprintf(os.Stderr, "Runner API on http://%s/v1 (docs at /docs)\n", r.Addr)
				}
				return r.ListenAndServe(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (empty string disables the API)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect fireline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			out, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate the workspace config, or the given YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if _, err := config.FromYAML(data); err != nil {
					return err
				}
			} else if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default fireline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and the workspace schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(c *app.Context) error {
				schema, latest, err := migrate.Status(c.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"version":  version,
					"schema":   schema,
					"latest":   latest,
					"database": db.Path(c.Workspace),
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect incident event logs"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var pending, dead bool
	cmd := &cobra.Command{
		Use:   "tail <incident-id>",
		Short: "Show the most recent events of an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := firelinesdk.EventQuery{Type: evtType, Limit: n}
			switch {
			case pending && dead:
				return fmt.Errorf("--pending and --dead are exclusive")
			case pending:
				q.Outbox = events.OutboxPending
			case dead:
				q.Outbox = events.OutboxDead
			}
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(b backend) error {
				evts, err := b.Events(cmd.Context(), args[0], q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				printEventTable(evts, cfg.Dispatch.MaxAttempts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&pending, "pending", false, "only events still waiting in the outbox")
	cmd.Flags().BoolVar(&dead, "dead", false, "only events that exhausted their delivery attempts")
	return cmd
}

func printEventTable(evts []firelinesdk.Event, maxAttempts int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Adapter", "Created", "Outbox", "Data"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.Type, e.Adapter, e.CreatedAt, outboxState(e, maxAttempts), truncate(string(e.Data), 60)})
	}
	tw.Render()
}

func outboxState(e firelinesdk.Event, maxAttempts int) string {
	switch {
	case e.PublishedAt != nil:
		return "published"
	case !e.Forwardable:
		return "local"
	case e.Attempts >= maxAttempts:
		return fmt.Sprintf("dead (%d)", e.Attempts)
	case e.Attempts > 0:
		return fmt.Sprintf("retry (%d)", e.Attempts)
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- helpers ---

func withApp(fn func(*app.Context) error) error {
	c, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func adapter() string {
	return viper.GetString("adapter")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sipstate/internal/app"
	"sipstate/internal/config"
	"sipstate/internal/domain"
	"sipstate/internal/engine"
	"sipstate/internal/pulsarbus"
	"sipstate/internal/repo"
	sipstatesdk "sipstate/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sipstate",
	Short: "SIP ingest state updater",
	Long: `sipstate tracks the lifecycle of submission information packages (SIPs).
- Events: ingest progress reports (flat JSON or CloudEvents) consumed from Pulsar or posted over HTTP.
- States: pending -> received -> validated -> transferred -> archived; any live state may fall to error.
- Versions: every committed transition bumps the package version; concurrent writers retry on conflict.
- Notifications: each transition or rejection is recorded in an outbox and published once delivered.
- Archive poller: optionally asks the archive about transferred packages and applies the answer.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIPSTATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/sipstate.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "talk to a running sipstate API instead of the local store")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume events and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			logger := app.NewLogger(cfg, os.Stderr)
			svc, err := app.Build(cmd.Context(), viper.GetString("workspace"), cfg, logger, pulsarbus.Dial)
			if err != nil {
				return err
			}
			defer svc.Close()
			logger.Info("sipstate starting",
				"pulsar", cfg.Pulsar.Enabled(),
				"poller", cfg.Poller.Enabled,
				"webhooks", len(cfg.Webhooks),
				"history", cfg.Store.History)
			return svc.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr from config)")
	return cmd
}

func packageCmd() *cobra.Command {
	pkg := &cobra.Command{
		Use:   "package",
		Short: "Inspect package states",
	}
	pkg.AddCommand(packageListCmd())
	pkg.AddCommand(packageShowCmd())
	pkg.AddCommand(packageHistoryCmd())
	pkg.AddCommand(packageCountsCmd())
	return pkg
}

func packageListCmd() *cobra.Command {
	var state, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" {
				if _, ok := domain.ParseState(state); !ok {
					return fmt.Errorf("unknown state %q", state)
				}
			}
			if client := remoteClient(); client != nil {
				page, err := client.Packages(cmd.Context(), state, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				rows := make([]table.Row, 0, len(page.Items))
				for _, p := range page.Items {
					rows = append(rows, table.Row{p.PackageID, p.CurrentState, p.Version, p.LastEventID, p.LastUpdatedAt})
				}
				renderTable(table.Row{"Package", "State", "Version", "Last event", "Updated"}, rows)
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				st, _ := domain.ParseState(state)
				var items []domain.PackageState
				var err error
				if limit <= 0 && st != "" {
					items, err = r.ListByState(ctx, st)
				} else {
					items, err = r.List(ctx, repo.Filter{State: st, Cursor: cursor, Limit: limit})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.PackageID, p.State, p.Version, p.LastEventID, p.UpdatedAt})
				}
				renderTable(table.Row{"Package", "State", "Version", "Last event", "Updated"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this package id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max packages (0 lists every package in --state)")
	return cmd
}

func packageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <package-id>",
		Short: "Show a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				p, err := client.Package(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func packageHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <package-id>",
		Short: "Show the committed transitions of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header := table.Row{"Version", "State", "Event", "Source", "Occurred", "Recorded"}
			if client := remoteClient(); client != nil {
				items, err := client.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, h := range items {
					rows = append(rows, table.Row{h.Version, h.State, h.EventID, h.Source, h.OccurredAt, h.RecordedAt})
				}
				renderTable(header, rows)
				return nil
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.Get(ctx, args[0]); err != nil {
					return err
				}
				items, err := r.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, h := range items {
					rows = append(rows, table.Row{h.Version, h.State, h.EventID, h.Source, h.OccurredAt, h.RecordedAt})
				}
				renderTable(header, rows)
				return nil
			})
		},
	}
}

func packageCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count packages per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts := map[string]int{}
			if client := remoteClient(); client != nil {
				resp, err := client.Counts(cmd.Context())
				if err != nil {
					return err
				}
				counts = resp.Counts
			} else if err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				byState, err := r.CountByState(ctx)
				if err != nil {
					return err
				}
				for st, n := range byState {
					counts[string(st)] = n
				}
				return nil
			}); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(counts)
			}
			rows := make([]table.Row, 0, len(counts))
			for _, st := range domain.States() {
				rows = append(rows, table.Row{st, counts[string(st)]})
			}
			renderTable(table.Row{"State", "Packages"}, rows)
			return nil
		},
	}
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{
		Use:   "event",
		Short: "Apply ingest events",
	}
	evt.AddCommand(eventSubmitCmd())
	return evt
}

func eventSubmitCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "submit [file|-]",
		Short: "Apply one event payload (flat JSON or CloudEvent)",
		Long:  "Reads the payload from --data, a file, or stdin ('-') and applies it like a broker message. Rejected events exit non-zero.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), data, args)
			if err != nil {
				return err
			}
			if client := remoteClient(); client != nil {
				out, err := client.SubmitEvent(cmd.Context(), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg, os.Stderr)
			svc, err := app.Build(cmd.Context(), viper.GetString("workspace"), cfg, logger, pulsarbus.Dial)
			if err != nil {
				return err
			}
			defer svc.Close()
			out := svc.Coordinator.Handle(cmd.Context(), payload)
			summary := map[string]any{
				"status":      out.Status.String(),
				"disposition": out.Disposition.String(),
				"reason":      out.Reason,
				"event_id":    out.Event.EventID,
			}
			if out.Record.PackageID != "" {
				summary["package"] = out.Record
			}
			if out.Message != nil {
				summary["message_id"] = out.Message.MessageID
			}
			if err := printJSONOrTable(summary); err != nil {
				return err
			}
			if out.Status == engine.Rejected || out.Status == engine.Failed {
				if out.Err != nil {
					return fmt.Errorf("%s: %w", out.Reason, out.Err)
				}
				return errors.New(out.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "inline event payload")
	return cmd
}

func readPayload(stdin io.Reader, data string, args []string) ([]byte, error) {
	switch {
	case data != "":
		return []byte(data), nil
	case len(args) == 0 || args[0] == "-":
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(args[0])
	}
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect outbound notifications",
	}
	ob.AddCommand(outboxListCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var packageID, eventID string
	var pending bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbound notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			header := table.Row{"Message", "Kind", "Package", "State", "Version", "Event", "Delivered"}
			if client := remoteClient(); client != nil {
				if packageID == "" {
					return fmt.Errorf("--package is required with --server")
				}
				items, err := client.Notifications(cmd.Context(), packageID, pending)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.MessageID, m.Kind, packageID, m.State, m.Version, m.EventID, m.DeliveredAt})
				}
				renderTable(header, rows)
				return nil
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOutbound(ctx, repo.OutboundFilter{PackageID: packageID, EventID: eventID, Pending: pending, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					delivered := ""
					if m.DeliveredAt != nil {
						delivered = *m.DeliveredAt
					}
					rows = append(rows, table.Row{m.MessageID, m.Kind, m.PackageID, m.State, m.Version, m.EventID, delivered})
				}
				renderTable(header, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&packageID, "package", "", "package id")
	cmd.Flags().StringVar(&eventID, "event", "", "source event id")
	cmd.Flags().BoolVar(&pending, "pending", false, "only undelivered messages")
	cmd.Flags().IntVar(&limit, "limit", 100, "max messages")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Generate or check sipstate.yml",
	}
	cfg.AddCommand(configDefaultCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configDefaultCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateDefault(name))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", config.DefaultServiceName, "service name")
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func remoteClient() *sipstatesdk.Client {
	server := viper.GetString("server")
	if server == "" {
		return nil
	}
	c := sipstatesdk.New(server)
	c.BearerToken = viper.GetString("token")
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, r, err := app.OpenStore(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func renderTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
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

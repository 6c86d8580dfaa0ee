package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"assessline/internal/app"
	"assessline/internal/domain"
	"assessline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Assessline CLI",
	Long: `Assessline tracks compliance assessments answered by several roles.
Core concepts:
- Workspace: a directory holding assessline.yml and the .assessline database.
- Assessment: one framework being answered, starting from a baseline version.
- Change log: every answer, note and evidence link is an appended change; nothing is rewritten.
- Versions: immutable, checksummed snapshots that fold pending changes. Branch and merge them like commits.
- Consensus: answers of several roles per question collapse to one value, or a conflict to resolve.
- Workflow: assessment -> review -> approval -> completed, driven by assignment coverage.
- Blockers and actions: what is stuck and who has to do what next ('al blockers list').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ASSESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("config", "", "config file (defaults to <workspace>/assessline.yml)")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(blockersCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func actorID() string { return strings.TrimSpace(viper.GetString("actor-id")) }

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	logger := logging.Setup(viper.GetString("log-level"), viper.GetString("log-format"))
	s, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// printObject prints v as JSON with --json and as YAML otherwise. The YAML
// keys follow the JSON field names.
func printObject(v any) error {
	if jsonOutput() {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if jsonOutput() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

func parseFloatPtr(s string) (*float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return &v, nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, want RFC3339", s)
	}
	return &t, nil
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("duration required")
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func jsonOutput() bool { return viper.GetBool("json") }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func fmtValue(v *domain.ChangeValue) string {
	switch {
	case v == nil:
		return "-"
	case v.Number != nil:
		return fmtFloat(v.Number)
	case v.Text != nil:
		return *v.Text
	case v.Resolution != nil:
		return fmt.Sprintf("%s=%s", v.Resolution.Method, fmtFloat(v.Resolution.Value))
	}
	return "-"
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/bootstrap"
	"github.com/openfroyo/pathrunner/pkg/config"
	"github.com/openfroyo/pathrunner/pkg/stores"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func loadConfig() (*config.Parser, *config.Config, error) {
	parser, err := config.NewParser()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := parser.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return parser, cfg, nil
}

// openApp wires the orchestrator from the configuration file. One-shot
// commands log warnings only unless --verbose is set.
func openApp(ctx context.Context, oneShot bool) (*bootstrap.App, error) {
	parser, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if oneShot && !verbose {
		cfg.Logging.Level = "warn"
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return bootstrap.New(ctx, cfg, bootstrap.Options{Version: version, Parser: parser})
}

// openStore opens only the store, for commands that read history.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("%s has no store.path; history is only kept in memory", configPath)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/module"
	"github.com/seantiz/tarn/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	stateColors = map[string]lipgloss.Color{
		model.StateLaunched:     lipgloss.Color("2"),
		model.StateLaunching:    lipgloss.Color("3"),
		model.StateInstalled:    lipgloss.Color("4"),
		model.StateNotInstalled: lipgloss.Color("1"),
		model.StateExited:       lipgloss.Color("8"),
	}
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments recorded in the state database",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules built into tarn and their functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.OutOrStdout(), renderModules(module.Default))
			return nil
		},
	}
}

// openStore opens the state database named by the persistent flags.
func openStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("failed to get json flag: %w", err)
	}

	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	envs, err := db.ListEnvironments(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(envs)
	}
	if len(envs) == 0 {
		fmt.Fprintln(out, "no environments")
		return nil
	}
	fmt.Fprintln(out, renderEnvironments(envs, time.Now()))
	return nil
}

// renderEnvironments draws one row per environment with its state colored.
func renderEnvironments(envs []*model.Environment, now time.Time) string {
	rows := make([][]string, len(envs))
	for i, e := range envs {
		port := ""
		if e.Port != 0 {
			port = strconv.Itoa(e.Port)
		}
		rows[i] = []string{e.Name, e.State, port, e.LaunchID, since(now, e.UpdatedAt), e.Error}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "STATE", "PORT", "LAUNCH", "UPDATED", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(rows) {
				if c, ok := stateColors[rows[row][1]]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	return t.String()
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

// renderModules lists each module with the functions it declares.
func renderModules(r *module.Registry) string {
	var out string
	for _, name := range r.List() {
		m, err := r.Resolve(name)
		if err != nil {
			continue
		}
		out += headerStyle.UnsetPadding().Render(m.Path()) + "\n"
		for _, fn := range m.Functions() {
			out += "  " + fn + "\n"
		}
	}
	return out
}

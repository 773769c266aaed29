package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/decisionlog"
)

func newDecisionsCmd(root *rootOptions) *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "decisions <player>",
		Short: "Print a player's recorded decisions",
		Long: `Print the latest decisions of a player from the decision log. The database
is taken from --db, or from decision_log.path in the configuration file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.DecisionLog.Path
			}
			if dbPath == "" {
				return errors.New("no decision log configured (set --db or decision_log.path)")
			}
			// Open would create an empty database.
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("decision log: %w", err)
			}

			rec, err := decisionlog.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer rec.Close()

			entries, err := rec.Query(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			s := newStyles(cmd.OutOrStdout())
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), s.dim.Render("no decisions for "+args[0]))
				return nil
			}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{
					strconv.FormatInt(e.ID, 10),
					strconv.FormatFloat(e.Beat, 'f', 3, 64),
					strconv.Itoa(e.Position),
					e.Transform,
					e.Policy,
					e.RecordedAt.Local().Format(time.TimeOnly),
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.title.Render(args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), s.table([]string{"id", "beat", "position", "transform", "policy", "at"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "decision log database (default: decision_log.path from the config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions to show (0 for all)")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/config"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/history"
)

func historyCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently recorded compilation cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HistoryDB == "" {
				return fmt.Errorf("--history-db must be set to use this command")
			}
			rec, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history db: %w", err)
			}
			defer rec.Close()

			rows, err := rec.Recent(limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if len(rows) == 0 {
				fmt.Println("no recorded compilations")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tRESULT\tMODULES\tDIAGNOSTICS")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
					row.Timestamp.Format("2006-01-02 15:04:05"), row.Result, row.ModulesLoaded, row.DiagnosticCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of rows to show")
	return cmd
}

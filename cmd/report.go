package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/report"
	"github.com/quorumhq/quorum/internal/store"
)

func reportCMD() *cobra.Command {
	var (
		cfgPath string
		format  string
		outPath string
	)

	var render = &cobra.Command{
		Use:   "report [query-id]",
		Short: "Render the stored synthesis of a past query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			result, found, err := st.GetSynthesis(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no synthesis stored for query %s", args[0])
			}

			exporter, err := report.NewExporter(format)
			if err != nil {
				return err
			}
			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return exporter.Export(result, out)
		},
	}
	render.Flags().StringVar(&format, "format", "md", "report format (md, json)")
	render.Flags().StringVarP(&outPath, "out", "o", "", "write report to file instead of stdout")
	render.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return render
}

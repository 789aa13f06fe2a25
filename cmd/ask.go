package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/orchestrate"
	"github.com/quorumhq/quorum/internal/report"
	"github.com/quorumhq/quorum/internal/rubric"
	srv "github.com/quorumhq/quorum/internal/server"
	"github.com/quorumhq/quorum/internal/session"
	"github.com/quorumhq/quorum/internal/synthesis"
	"github.com/quorumhq/quorum/internal/telemetry"
)

func askCMD() *cobra.Command {
	var (
		cfgPath    string
		services   []string
		rubricPath string
		maxRetries int
		format     string
		outPath    string
	)

	var ask = &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Dispatch one query across services and print the merged report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")

			var r rubric.Rubric
			if rubricPath != "" {
				r, err = rubric.LoadFile(rubricPath)
				if err != nil {
					return err
				}
			}
			if len(services) == 0 {
				for name, svc := range cfg.Services {
					if svc.Enabled {
						services = append(services, name)
					}
				}
			}
			if len(services) == 0 {
				return fmt.Errorf("no services configured or selected")
			}

			profiles, err := session.NewFileStore(cfg.Session.ProfileDir)
			if err != nil {
				return err
			}
			sessions, err := session.NewStore(cfg.Session, cfg.Storage)
			if err != nil {
				return err
			}
			adapters, err := srv.BuildAdapters(cfg, profiles, sessions)
			if err != nil {
				return err
			}

			tele := telemetry.New(cfg.Telemetry)
			orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
			orch := orchestrate.New(cfg.Orchestrator, orchLogger, tele, adapters, sessions, session.NewLockRegistry())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := orchestrate.NewQueryRequest(prompt, services, r, maxRetries)
			updates, err := orch.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			finals, audit := synthesis.Collect(updates)
			result := synthesis.New(nil).Synthesize(req, finals, audit)

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
	ask.Flags().StringSliceVar(&services, "services", nil, "services to query (default all enabled)")
	ask.Flags().StringVar(&rubricPath, "rubric", "", "rubric JSON file")
	ask.Flags().IntVar(&maxRetries, "max-retries", 0, "attempt budget per service (default from config)")
	ask.Flags().StringVar(&format, "format", "md", "report format (md, json)")
	ask.Flags().StringVarP(&outPath, "out", "o", "", "write report to file instead of stdout")
	ask.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ask
}

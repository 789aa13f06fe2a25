package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/session"
)

func sessionsCMD() *cobra.Command {
	var cfgPath string

	var sessions = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored authentication sessions",
	}
	sessions.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	var list = &cobra.Command{
		Use:   "list",
		Short: "List stored session profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessionStore(cfgPath)
			if err != nil {
				return err
			}
			profiles, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tSTATUS\tLAST VALIDATED\tUPDATED")
			for _, p := range profiles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					p.ServiceID, p.AuthStatus, formatTime(p.LastValidatedAt), formatTime(p.UpdatedAt))
			}
			return w.Flush()
		},
	}

	var invalidate = &cobra.Command{
		Use:   "invalidate [service]",
		Short: "Mark a service's session as expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessionStore(cfgPath)
			if err != nil {
				return err
			}
			return st.Invalidate(cmd.Context(), args[0])
		},
	}

	sessions.AddCommand(list, invalidate)
	return sessions
}

func openSessionStore(cfgPath string) (session.Store, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return session.NewStore(cfg.Session, cfg.Storage)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store/file"
	"github.com/nextlevelbuilder/clawgate/internal/store/sqlite"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session management",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsCompactCmd())
	return cmd
}

// openSessionManager builds a manager against the configured storage.
// The caller must invoke the returned closer.
func openSessionManager() (*sessions.Manager, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	storage := cfg.StoragePath()
	transcripts, err := file.NewTranscriptStore(storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open transcripts: %w", err)
	}
	index, err := sqlite.NewIndexStore(filepath.Join(storage, "index.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open index: %w", err)
	}
	return sessions.NewManager(cfg, transcripts, index), func() { index.Close() }, nil
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closer, err := openSessionManager()
			if err != nil {
				return err
			}
			defer closer()

			res, err := mgr.List(agentID, limit, offset)
			if err != nil {
				return err
			}
			if len(res.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			fmt.Printf("%-52s %-10s %-8s %-7s %s\n", "KEY", "MESSAGES", "RESETS", "AGENT", "UPDATED")
			for _, s := range res.Sessions {
				fmt.Printf("%-52s %-10d %-8d %-7s %s\n",
					s.Key, s.MessageCount, s.ResetCount, s.AgentID,
					s.Updated.Local().Format(time.RFC3339))
			}
			fmt.Printf("%d of %d session(s)\n", len(res.Sessions), res.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only sessions of this agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "max sessions to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func sessionsCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <key>",
		Short: "Trim a session's stored transcript to its current context view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closer, err := openSessionManager()
			if err != nil {
				return err
			}
			defer closer()

			dropped, err := mgr.Compact(args[0])
			if err != nil {
				return err
			}
			if dropped == 0 {
				fmt.Printf("session %s already within its context window\n", args[0])
				return nil
			}
			fmt.Printf("session %s compacted, %d entr(ies) dropped\n", args[0], dropped)
			return nil
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Archive a session's transcript and start it fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closer, err := openSessionManager()
			if err != nil {
				return err
			}
			defer closer()

			archived, err := mgr.Reset(args[0], sessions.ResetExplicit)
			if err != nil {
				return err
			}
			if archived == "" {
				fmt.Printf("session %s had no transcript\n", args[0])
				return nil
			}
			fmt.Printf("session %s reset, transcript archived to %s\n", args[0], archived)
			return nil
		},
	}
}

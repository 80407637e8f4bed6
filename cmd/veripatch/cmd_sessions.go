package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/DenisKimskku/veripatch/internal/sandbox"
	"github.com/DenisKimskku/veripatch/internal/store"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent proving sessions from the workspace ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		ledger, err := store.Open(filepath.Join(cwd, sandbox.ArtifactDirName, "sessions.db"))
		if err != nil {
			return err
		}
		defer ledger.Close()

		entries, err := ledger.Recent(sessionsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-5s  attempts=%d  %s  %s\n",
				e.StartedAt.Local().Format(time.DateTime), e.Result, e.AttemptsUsed, e.SessionID, e.Command)
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to list")
}

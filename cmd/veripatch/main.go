// veripatch is a policy-governed proving engine: it repairs a failing
// verification command inside a sandboxed copy of the workspace and emits a
// replayable, optionally attested proof bundle.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/attest"
	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/logging"
	"github.com/DenisKimskku/veripatch/internal/session"
)

// Exit codes.
const (
	exitPass                = 0
	exitFail                = 1
	exitPolicyViolation     = 2
	exitAttestationMismatch = 3
	exitInternal            = 4
)

// errFailed marks a normally-terminated session whose targets did not all
// pass; it maps to exit code 1.
var errFailed = errors.New("verification failed")

var (
	verbose    bool
	jsonOutput bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "veripatch",
	Short: "veripatch - prove a failing command fixable, with receipts",
	Long: `veripatch attempts to automatically repair a codebase so that a
verification command succeeds. It iterates inside a sandboxed copy of the
workspace, asks an external patch proposer for unified diffs, applies them
under policy constraints, and on success emits a reproducible, optionally
attested proof bundle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.AddCommand(runCmd, proveCmd, replayCmd, attestCmd, verifyAttestationCmd, doctorCmd, sessionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitPass)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps error kinds onto the CLI exit code contract.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errFailed):
		return exitFail
	case errors.Is(err, session.ErrCommandNotAllowed),
		errors.Is(err, config.ErrInvalidConfig):
		return exitPolicyViolation
	case errors.Is(err, attest.ErrMismatch):
		return exitAttestationMismatch
	default:
		return exitInternal
	}
}

// newController builds the session controller for the current directory.
func newController() (*session.Controller, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return session.New(cwd, config.SnapshotEnv(), logger), nil
}

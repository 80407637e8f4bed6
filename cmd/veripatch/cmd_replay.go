package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DenisKimskku/veripatch/internal/session"
)

var (
	replayCwd         string
	verifyAttestation bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <bundle_path>",
	Short: "Reconstruct a sandbox from a proof bundle and rerun its targets",
	Long: `Copies the manifested workspace files into a fresh temp sandbox,
applies the bundle's final.patch, and reruns every recorded proof target
under the bundle's policy. With --verify-attestation the bundle integrity is
checked first; a mismatch aborts the replay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		bundleDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		report, err := ctrl.Replay(cmd.Context(), session.ReplayOptions{
			BundleDir:         bundleDir,
			CwdOverride:       replayCwd,
			VerifyAttestation: verifyAttestation,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		} else {
			for _, t := range report.Targets {
				status := "pass"
				if !t.Passed {
					status = "fail"
				}
				fmt.Printf("target %s: %s (exit %d)\n", t.Name, status, t.ExitCode)
			}
		}
		if !report.AllPassed {
			return errFailed
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayCwd, "cwd", "", "override the source tree the sandbox is rebuilt from")
	replayCmd.Flags().BoolVar(&verifyAttestation, "verify-attestation", false, "verify bundle attestation before replaying")
}

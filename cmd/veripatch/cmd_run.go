package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DenisKimskku/veripatch/internal/config"
	"github.com/DenisKimskku/veripatch/internal/session"
)

var (
	policyPath        string
	providerName      string
	attestFlag        bool
	attestationMode   string
	attestationKeyEnv string
)

var runCmd = &cobra.Command{
	Use:   "run <command>",
	Short: "Run the proving loop on one ad-hoc target command",
	Long: `Runs the failing command in a fresh sandbox, then iterates:
request a diff from the proposer, apply it under policy, re-verify. On
success the proof bundle contains the final patch, minimized when the
policy enables minimize.

Example:
  veripatch run "python -m unittest discover -s tests -v" --policy veripatch.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		summary, err := ctrl.Run(cmd.Context(), session.Options{
			Command:           args[0],
			PolicyPath:        policyPath,
			ProviderName:      providerName,
			Attest:            attestFlag,
			AttestationMode:   attestationMode,
			AttestationKeyEnv: attestationKeyEnv,
		})
		if err != nil {
			return err
		}
		printSummary(summary)
		if summary.Result != session.ResultPass {
			return errFailed
		}
		return nil
	},
}

var proveCmd = &cobra.Command{
	Use:   "prove",
	Short: "Run the proving loop for every configured proof target",
	Long: `Loads proof_targets from the policy document and runs one session
per target. Exit code 0 only when every target passes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := newController()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg, _, err := config.Load(policyPath, "", cwd)
		if err != nil {
			return err
		}
		if len(cfg.ProofTargets) == 0 {
			return fmt.Errorf("%w: no proof_targets configured", config.ErrInvalidConfig)
		}

		allPassed := true
		for _, target := range cfg.ProofTargets {
			summary, err := ctrl.Run(cmd.Context(), session.Options{
				Command:      target.Cmd,
				PolicyPath:   policyPath,
				ProviderName: providerName,
			})
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("target %s: %s\n", target.Name, summary.Result)
			}
			printSummary(summary)
			if summary.Result != session.ResultPass {
				allPassed = false
			}
		}
		if !allPassed {
			return errFailed
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, proveCmd} {
		c.Flags().StringVar(&policyPath, "policy", "", "path to veripatch.yaml/veripatch.json")
		c.Flags().StringVar(&providerName, "provider", "", "proposer provider: stub|openai|local")
	}
	runCmd.Flags().BoolVar(&attestFlag, "attest", false, "emit attestation.json for the proof bundle")
	runCmd.Flags().StringVar(&attestationMode, "attestation-mode", "", "attestation signing mode override (none|hmac-sha256)")
	runCmd.Flags().StringVar(&attestationKeyEnv, "attestation-key-env", "", "environment variable holding the HMAC key")
}

func printSummary(summary session.Summary) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
		return
	}
	fmt.Printf("result=%s\n", summary.Result)
	fmt.Printf("attempts_used=%d\n", summary.AttemptsUsed)
	fmt.Printf("final_exit_code=%d\n", summary.FinalExitCode)
	fmt.Printf("proof_bundle=%s\n", summary.BundleDir)
	fmt.Printf("sandbox=%s\n", summary.SandboxDir)
	if summary.AttestationPath != "" {
		fmt.Printf("attestation=%s\n", summary.AttestationPath)
	}
}

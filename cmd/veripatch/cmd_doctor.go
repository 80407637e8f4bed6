package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DenisKimskku/veripatch/internal/config"
)

var doctorCommand string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print the resolved policy and runtime settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		fallback := doctorCommand
		if fallback == "" {
			fallback = "true"
		}
		cfg, resolved, err := config.Load(policyPath, fallback, cwd)
		if err != nil {
			return err
		}
		if resolved == "" {
			resolved = "(default)"
		}
		hash, err := cfg.Policy.Hash()
		if err != nil {
			return err
		}

		fmt.Println("veripatch doctor")
		fmt.Printf("policy_path=%s\n", resolved)
		fmt.Printf("policy_hash=%s\n", hash)
		fmt.Printf("network=%s\n", cfg.Policy.Network)
		fmt.Printf("allowed_commands=%s\n", strings.Join(cfg.Policy.AllowedCommands, ", "))
		if doctorCommand != "" {
			fmt.Printf("command_allowed=%v\n", cfg.Policy.CommandAllowed(doctorCommand, strings.Fields(doctorCommand)))
		}
		fmt.Printf("write_allowlist=%s\n", strings.Join(cfg.Policy.WriteAllowlist, ", "))
		fmt.Printf("deny_write=%s\n", strings.Join(cfg.Policy.DenyWrite, ", "))
		fmt.Printf("max_attempts=%d\n", cfg.Policy.Limits.MaxAttempts)
		fmt.Printf("max_files_changed=%d\n", cfg.Policy.Limits.MaxFilesChanged)
		fmt.Printf("max_patch_bytes=%d\n", cfg.Policy.Limits.MaxPatchBytes)
		fmt.Printf("per_command_timeout_sec=%d\n", cfg.Policy.Limits.PerCommandTimeoutSec)
		fmt.Printf("minimize=%v\n", cfg.Policy.Minimize)
		fmt.Printf("sandbox_backend=%s\n", cfg.Policy.Sandbox.Backend)
		fmt.Printf("container_runtime=%s\n", cfg.Policy.Sandbox.ContainerRuntime)
		fmt.Printf("container_image=%s\n", cfg.Policy.Sandbox.ContainerImage)
		fmt.Printf("attestation_enabled=%v\n", cfg.Policy.Attestation.Enabled)
		fmt.Printf("attestation_mode=%s\n", cfg.Policy.Attestation.Mode)
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&policyPath, "policy", "", "path to policy document")
	doctorCmd.Flags().StringVar(&doctorCommand, "command", "", "command to check against allowed_commands")
}

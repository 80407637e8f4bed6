package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DenisKimskku/veripatch/internal/attest"
	"github.com/DenisKimskku/veripatch/internal/bundle"
	"github.com/DenisKimskku/veripatch/internal/config"
)

var (
	attestMode   string
	attestKeyEnv string
)

var attestCmd = &cobra.Command{
	Use:   "attest <bundle_path>",
	Short: "Create or overwrite a proof bundle's attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundleDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		att, err := attest.Sign(bundleDir, attestMode, attestKeyEnv, config.SnapshotEnv())
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(att)
		}
		fmt.Printf("attestation=%s\n", filepath.Join(bundleDir, bundle.AttestationFile))
		fmt.Printf("manifest_digest=%s\n", att.ManifestDigest)
		return nil
	},
}

var verifyAttestationCmd = &cobra.Command{
	Use:   "verify-attestation <bundle_path>",
	Short: "Verify a proof bundle against its attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundleDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		att, err := attest.Verify(bundleDir, config.SnapshotEnv())
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(att)
		}
		fmt.Printf("ok mode=%s manifest_digest=%s\n", att.Mode, att.ManifestDigest)
		return nil
	},
}

func init() {
	attestCmd.Flags().StringVar(&attestMode, "mode", config.AttestationNone, "attestation mode: none|hmac-sha256")
	attestCmd.Flags().StringVar(&attestKeyEnv, "key-env", "PP_ATTEST_HMAC_KEY", "environment variable holding the HMAC key")
}

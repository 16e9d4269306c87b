package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/bondberry/privval"
)

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the local signing key, or show the existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}

			var pv *privval.FilePV
			if force {
				pv, err = privval.GenerateFilePV(cfg.NodeID, cfg.KeyFile, cfg.SignerStatePath())
			} else {
				pv, err = privval.LoadOrGenFilePV(cfg.NodeID, cfg.KeyFile, cfg.SignerStatePath())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node_id:    %s\n", pv.ID())
			fmt.Fprintf(out, "public_key: %s\n", hex.EncodeToString(pv.PublicKey()))
			fmt.Fprintf(out, "key_file:   %s\n", cfg.KeyFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

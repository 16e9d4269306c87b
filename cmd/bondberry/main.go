// Command bondberry runs a replicated evidence store node and its
// simulated peers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/bondberry/config"
	"github.com/blockberries/bondberry/types"
)

type rootOptions struct {
	configPath string
	dataDir    string
	nodeID     string
}

// load reads the config file, then applies command-line overrides. A
// data dir override moves the key file and audit log with it.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir == "" && o.nodeID == "" {
		return cfg, nil
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		cfg.KeyFile = ""
		cfg.Audit.FilePath = ""
	}
	if o.nodeID != "" {
		cfg.NodeID = types.NodeID(o.nodeID)
	}
	cfg.Resolve()
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "bondberry",
		Short:         "Byzantine fault tolerant evidence storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override the data directory")
	root.PersistentFlags().StringVar(&opts.nodeID, "node-id", "", "override the local node id")

	root.AddCommand(
		newRunCmd(opts),
		newKeygenCmd(opts),
		newSimulateCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

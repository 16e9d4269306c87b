package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/collections"
	"github.com/blockberries/bondberry/config"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/manager"
	"github.com/blockberries/bondberry/node"
	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
)

type simulateOptions struct {
	uploads   int
	byzantine string
	verbose   bool
	timeout   time.Duration
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	sim := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted session against a throwaway node",
		Long: `simulate starts a node in a temporary data directory (or --data-dir),
connects two partners through an invite, uploads evidence, corrupts one
replica and recovers it, printing each step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if opts.dataDir == "" {
				dir, err := os.MkdirTemp("", "bondberry-sim-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				cfg.DataDir = dir
				cfg.KeyFile = ""
				cfg.Audit.FilePath = ""
				cfg.Resolve()
			}
			cfg.MetricsAddr = ""
			cfg.CheckpointInterval = 0

			logger := zap.NewNop()
			if sim.verbose {
				if logger, err = logging.NewLogger(cfg.Log); err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), sim.timeout)
			defer cancel()
			return simulate(ctx, cmd.OutOrStdout(), cfg, logger, sim)
		},
	}
	cmd.Flags().IntVar(&sim.uploads, "uploads", 3, "evidence items to upload")
	cmd.Flags().StringVar(&sim.byzantine, "byzantine", "", "peer to report as byzantine before uploading")
	cmd.Flags().BoolVarP(&sim.verbose, "verbose", "v", false, "log to stdout")
	cmd.Flags().DurationVar(&sim.timeout, "timeout", time.Minute, "abort the session after this long")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, sim *simulateOptions) error {
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("simulate needs at least one peer")
	}
	n, err := node.New(cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	local, partner := n.ID(), cfg.Peers[0]
	c := n.Collections()
	mgr := n.Manager()
	fmt.Fprintf(out, "nodes: %s\n", joinIDs(n.Nodes()))

	if sim.byzantine != "" {
		if err := mgr.ReportByzantineBehavior(local, types.NodeID(sim.byzantine), "simulated", nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "reported %s as byzantine\n", sim.byzantine)
	}

	inv, _, err := c.CreateInvite(ctx, local, partner.String()+"@example.com", local.String(), 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "invite %s sent to %s\n", inv.ID, inv.PartnerEmail)

	rel, err := c.AcceptInvite(ctx, partner, inv.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "relationship %s: %s <-> %s\n", rel.ID, rel.Partner1, rel.Partner2)

	var uploaded []*collections.Evidence
	for i := 0; i < sim.uploads; i++ {
		data := make([]byte, 64)
		if _, err := rand.Read(data); err != nil {
			return err
		}
		uploader := local
		if i%2 == 1 {
			uploader = partner
		}
		ev, _, err := c.UploadEvidence(ctx, uploader, rel.ID, data, collections.EvidenceMetadata{
			Timestamp:   time.Now().UnixNano(),
			ContentType: "application/octet-stream",
			Description: fmt.Sprintf("item %d", i+1),
		})
		if err != nil {
			return err
		}
		uploaded = append(uploaded, ev)
		fmt.Fprintf(out, "uploaded %s by %s\n", ev.ID, uploader)
	}

	if len(uploaded) > 0 {
		victim := uploaded[0]
		if err := c.Evidence().Tamper(victim.Key(), func(e *storage.StorageEntry[collections.Evidence]) {
			flipped := append([]byte(nil), e.Data.EncryptedData...)
			flipped[0] ^= 0xff
			e.Data.EncryptedData = flipped
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "corrupted local copy of %s\n", victim.ID)
	}

	page, err := c.Timeline(rel.ID, 0, 0)
	if err != nil {
		return err
	}
	printTimeline(out, page)

	printHealth(out, mgr.HealthCheck())

	report, err := mgr.RecoverSystem(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recovery: checked=%d corrupted=%d recovered=%d failed=%d restored=%t\n",
		report.EntriesChecked, report.CorruptedFound, report.Recovered, report.Failed, report.SystemRestored)

	page, err = c.Timeline(rel.ID, 0, 0)
	if err != nil {
		return err
	}
	printTimeline(out, page)
	return nil
}

func printTimeline(out io.Writer, page collections.TimelinePage) {
	fmt.Fprintf(out, "timeline: %d verified, %d failed verification\n",
		page.TotalCount, page.IntegrityReport.IntegrityFailed)
	for _, ev := range page.Evidence {
		fmt.Fprintf(out, "  %s %s %q\n",
			time.Unix(0, ev.UploadedAt).Format(time.RFC3339), ev.Uploader, ev.Metadata.Description)
	}
}

func joinIDs(ids []types.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func printHealth(out io.Writer, report manager.HealthReport) {
	fmt.Fprintf(out, "health: score=%.1f status=%s active=%d byzantine=%d fault_tolerance=%d\n",
		report.Health.HealthScore,
		report.ConsensusStatus,
		len(report.Topology.ActiveNodes),
		len(report.Topology.ByzantineNodes),
		report.Topology.FaultTolerance)
	for _, issue := range report.CriticalIssues {
		fmt.Fprintf(out, "  critical: %s\n", issue)
	}
	for _, rec := range report.Recommendations {
		fmt.Fprintf(out, "  recommend: %s\n", rec)
	}
}

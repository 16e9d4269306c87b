package node

import (
	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/types"
)

// domainGroup is one collection's consensus domain across every node of
// the process. The manager drives it as a single domain: membership
// changes and Byzantine flags reach every engine, while the roster and
// peer view are the local node's.
type domainGroup struct {
	name  string
	local *engine.Engine
	all   []*engine.Engine
}

func (g *domainGroup) Domain() string { return g.name }

func (g *domainGroup) AddNode(id types.NodeID) error {
	for _, e := range g.all {
		if err := e.AddNode(id); err != nil {
			return err
		}
	}
	return nil
}

func (g *domainGroup) FlagByzantine(node types.NodeID, reason string) bool {
	flagged := false
	for _, e := range g.all {
		if e.ID() == node {
			continue
		}
		if e.FlagByzantine(node, reason) {
			flagged = true
		}
	}
	return flagged
}

func (g *domainGroup) Roster() engine.Roster { return g.local.Roster() }

func (g *domainGroup) Peers() []engine.PeerInfo { return g.local.Peers() }

// Package manager keeps the system-wide view across consensus domains:
// the health score, the active and Byzantine rosters, per-node metrics
// with alerts, and the bounded-retry recovery queue for corrupted entries.
//
// The manager never mutates consensus state directly. It drives engines
// through FlagByzantine and AddNode and reads the rosters they publish.
package manager

// Package storage implements a replicated key-value store whose every
// mutation is agreed through a consensus domain before it is applied.
//
// # Write Path
//
// Store, Update and Delete propose "store_<key>", "update_<key>" and
// "delete_<key>" operations to the collection's engine and block until the
// operation commits. The change itself is applied by the commit handler, so
// every node that sees the commit applies the same mutation in the same
// order.
//
// On apply an entry is hashed, copied to up to ReplicationFactor holders
// chosen on a consistent-hash ring over the active nodes, signed by each
// holder and sealed with an IntegrityProof carrying the consensus
// endorsements of the committing operation.
//
// # Read Path
//
// Retrieve re-verifies the entry before returning it: the data hash, every
// replica signature and copy, and the integrity proof. Any failure is an
// integrity error; the caller may then run RecoverCorruptedData, which
// restores the entry from the majority of its replicas.
//
// # Persistence
//
// Entries are written through a Backend. BoltBackend keeps one bbolt bucket
// per collection and survives restarts; MemoryBackend is for tests and
// simulations.
package storage

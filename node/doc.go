/*
Package node wires a bondberry process: the local node and its simulated
peers, one consensus domain per collection, the collection stores and the
system manager.

Every instance is built explicitly in New; nothing is global. The local node
keeps its entries in bbolt, journals consensus to a file WAL and signs with a
file-backed key. Simulated peers live in memory and sign with keys derived
from their ids. Each collection has its own in-process network shared by the
engines of every node.

On Start, every engine replays its WAL and then restores the checkpoint of
the most advanced peer, so fresh simulated peers catch up with a restarted
local node before any message is exchanged.
*/
package node

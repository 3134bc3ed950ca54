// Package consensus implements the three-phase agreement protocol at the
// heart of a LOS validator node.
//
// A block goes through three phases before it is finalized. The leader of
// the current view proposes it with a PrePrepare message. Validators that
// accept the proposal broadcast Prepare votes, and once a validator has seen
// Prepare votes from 2f+1 distinct senders it broadcasts a Commit vote. A
// block with 2f+1 Commit votes is final: it can never be reverted, because
// any two quorums of 2f+1 intersect in at least one honest validator.
//
// f is the number of Byzantine validators the network tolerates, computed as
// (n-1)/3 in integer arithmetic over the validator-set size n. The engine
// keeps at most one block locked at a time, so blocks finalize in strictly
// increasing sequence order.
//
// When the leader fails to finalize a block within the block timeout, the
// other validators initiate a view change. The view number increments,
// leadership rotates round-robin over the ordered validator set, and all
// pending votes are discarded since they are bound to the old view.
//
// Every message carries a keyed authentication tag computed over the
// canonical encoding of its fields with a network-wide shared secret.
// Messages that fail authentication, or that belong to a different view, are
// rejected at ingestion.
//
// The Engine is a passive state mutator: it performs no I/O and keeps no
// timers. The owning node feeds messages in, broadcasts the messages the
// engine returns, and fires the view-change path when its timers elapse.
package consensus

// Package checkpoint implements finality checkpoints and the long-range
// attack defense built on them.
//
// Every 1000 blocks, validators jointly produce a FinalityCheckpoint binding
// the block hash and application state root at that height. Each validator
// signs the checkpoint's canonical signing data; once signatures from 2f+1
// validators are collected, the checkpoint is persisted in a local badger
// database.
//
// Checkpoints bound how far back history can be rewritten. An attacker who
// accumulates old validator keys can produce an alternative chain from an
// arbitrarily early block, but ValidateBlock rejects any block below the
// latest checkpoint height, so such a fork can never displace checkpointed
// history on a node that has synced at least one checkpoint.
//
// The quorum rule deliberately uses integer arithmetic only. A
// floating-point approximation of the two-thirds threshold disagrees across
// platforms at specific validator-set sizes, and a disagreement on the
// quorum is a chain split.
package checkpoint

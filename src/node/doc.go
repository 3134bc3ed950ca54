// Package node ties the consensus engine, the finality checkpoint manager
// and the slashing manager together behind one validator identity.
//
// The node owns the validator's key pair and address, routes incoming
// consensus messages to the engine, and reacts to finalized blocks: it
// credits participation, advances the slashing height, and opens a
// checkpoint signature round whenever a finalized height lands on the
// checkpoint interval. Prepare votes are mirrored into the slashing
// manager's signature window, which is where double-signing surfaces.
//
// Validator-set updates pass through the node so that banned validators are
// excluded from the leader rotation before the set reaches the engine.
//
// The node holds no transport. The embedding application delivers messages
// and broadcasts whatever the node returns.
package node

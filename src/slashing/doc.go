// Package slashing enforces validator accountability with stake penalties.
//
// Each registered validator has a safety profile tracking its status, a
// bounded window of recent block signatures, and participation counters.
// Two offenses are detected automatically: double-signing (two different
// signatures at the same height, punished with the full stake and a
// permanent ban) and extended downtime (participation below 95% over a full
// 50000-block observation window, punished with 1% of stake).
//
// Penalties are expressed in basis points and computed with integer
// arithmetic, rounding the downtime penalty up, so that every node derives
// the same amounts. CIL amounts use math/big because the currency's total
// supply exceeds the range of uint64.
//
// The authorized punishment path is the proposal protocol: any validator can
// open a slash proposal with evidence, and the penalty executes exactly once
// when 2n/3 + 1 validators have confirmed it.
package slashing

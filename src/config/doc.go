// Package config defines the configuration for a LOS node.
//
// Regardless of how LOS is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these
// configuration options, LOS relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key // a plain text file containing the raw private key (cf. los keygen).
//  validators.json // a JSON file containing the addresses of the validator set.
//  mac_secret // the shared secret authenticating consensus messages.
package config

// Package chain houses the network abstractions shared by the custody
// engine: network identifiers, exact decimal/base-unit conversion, session
// keypair material, the executor contract each network implements, and the
// YAML definitions describing endpoints, fee buffers, and merchant
// allowlists. Signing internals live in the per-network subpackages.
package chain

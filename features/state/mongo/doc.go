// Package mongo provides a MongoDB-backed implementation of the runtime
// snapshot repository. Build the low-level client via
// features/state/mongo/clients/mongo and pass it to NewStore so multi-node
// deployments share checkpoints, leases and recovery state.
package mongo

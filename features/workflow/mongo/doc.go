// Package mongo provides a MongoDB-backed implementation of the runtime
// workflow repository. Build the low-level client via
// features/workflow/mongo/clients/mongo and pass it to NewStore so registered
// workflow definitions survive process restarts.
package mongo

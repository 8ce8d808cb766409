// Package remote is a client for the Remote Execution API v2 over gRPC.
//
// It covers the content-addressable store (FindMissingBlobs, batch
// update/read, ByteStream for large blobs), the action cache and the
// Execution service. Both the remote cache store and the remote execution
// backend are built on it.
package remote

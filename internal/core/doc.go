// Package core provides the domain models and the digest engine for taskweave.
//
// # Design Principles
//
// All structures in this package adhere to the following constraints:
//
//  1. No implied fields that could affect cache identity (e.g., timestamps, host names)
//  2. Every field of a Task either contributes to its fingerprint or is documented as excluded
//  3. Digests use the same shape as the Remote Execution API so local and remote stores share keys
//
// # Core Types
//
// Task: A declarative command invocation with declared input and output files.
// Digest: A sha256 content hash paired with the content size.
// ResolvedInput: A workspace-relative input path with the digest of its content.
// ExecutionResult: The observable outcome of running a task on any backend.
package core

// SPDX-License-Identifier: Apache-2.0

// Package vaccel implements the core of an acceleration-dispatch runtime:
// a process-embedded library through which client code submits named
// compute operations and has them executed by one of several registered
// backend plugins (CPU software, GPU, FPGA, a remote host over a VirtIO
// transport). The package is the dispatch, lifecycle, and
// resource-sharing fabric; it never implements an accelerator itself.
//
// The six subsystems (plugin loading, session lifecycle, resource
// sharing, operation dispatch, argument marshalling, and ID/run-directory
// management) keep the upstream vAccel C runtime's module boundaries,
// expressed as idiomatic Go: per-subsystem package-scoped loggers,
// sentinel error codes wrapped with context, atomic/mutex-protected
// shared state instead of intrusive C lists, and a configuration record
// layered over environment variables.
package vaccel

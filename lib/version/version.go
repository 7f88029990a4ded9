// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the client and protocol version strings that
// gate the local replica.
//
// Both values are persisted in the local store's meta table alongside
// the user hash. On connect, the stored values are compared against
// the running binary's values; any mismatch triggers a full local wipe
// and rebuild, never a partial migration, because a replica written by
// a different client version (or for a different principal) cannot be
// trusted to have the current stored shapes.
package version

import "fmt"

// Client is the version of this client engine build. Overridden at
// link time via -ldflags "-X .../lib/version.Client=v1.2.3".
var Client = "dev"

// Protocol is the HAWKI protocol generation this build speaks. It
// changes only when stored shapes or the change-log contract change
// incompatibly.
const Protocol = "2"

// Info returns a single human-readable version string.
func Info() string {
	return fmt.Sprintf("%s (protocol %s)", Client, Protocol)
}

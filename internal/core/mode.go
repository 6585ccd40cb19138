// Package core is the orchestration layer.  It composes the schema,
// endpoint, transport, multicast hub and HTTP surface into complete
// operational modes and provides the builders that select them from a
// Config.
//
// Architecture layers (bottom → top):
//
//	wire/schema/transport  →  endpoint  →  multicast/httpapi  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of revnotify: the long-running
// [Runtime] behind "listen" or the one-shot [SendMode] behind "send".
// Each mode owns its full lifecycle from setup to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

var (
	_ Mode = (*Runtime)(nil)
	_ Mode = (*SendMode)(nil)
)

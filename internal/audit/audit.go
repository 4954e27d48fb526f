// Package audit provides the structured audit trail for the daemon's
// control-plane events.
//
// When persistence is enabled, each Event is written as one row in a
// small embedded SQLite database (audit.db under the daemon directory)
// so operators can review history without parsing log files. Noop
// discards everything, for test harnesses and the cases spec.md §9
// excludes from persistence.
//
// Every event carries the originating trace ID so a request can be
// reconstructed end to end from the pipeline log entry through the
// credential mutation it caused.
package audit

import (
	"context"
	"time"

	"github.com/geilt/tairseach/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindCredentialStored    Kind = "credential.stored"
	KindCredentialDeleted   Kind = "credential.deleted"
	KindTokenRefreshed      Kind = "token.refreshed"
	KindTokenRevoked        Kind = "token.revoked"
	KindPassphraseExported  Kind = "passphrase.exported"
	KindPermissionChecked   Kind = "permission.checked"
	KindPermissionDenied    Kind = "permission.denied"
	KindRequestDispatched   Kind = "request.dispatched"
	KindRequestFailed       Kind = "request.failed"
	KindManifestReloaded    Kind = "manifest.reloaded"
	KindServerStarted       Kind = "server.started"
	KindServerStopped       Kind = "server.stopped"
	KindError               Kind = "error"
)

// Event carries the data that a Notifier persists.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the account the event was performed on behalf of.
	Actor string
	// Target is the primary resource affected (provider:account, tool
	// name, permission name, …).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the entry back to the request that caused it. When
	// empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier records audit events. Implementations MUST NOT block the
// caller for longer than a short timeout; write failures should be
// logged, not propagated, since a broken audit trail must never take
// down the request pipeline.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Noop is a Notifier that discards every event.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// resolveTraceID fills evt.TraceID from ctx when the caller did not set
// it explicitly, and defaults evt.Timestamp to now.
func resolveTraceID(ctx context.Context, evt Event) Event {
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return evt
}

package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"docflow/api/internal/collab"
	"docflow/api/internal/comments"
	"docflow/api/internal/documents"
	"docflow/api/internal/email"
	"docflow/api/internal/events"
	"docflow/api/internal/ledger"
	"docflow/api/internal/presence"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
	"docflow/api/internal/workflow"
)

type notifier interface {
	Notify(ctx context.Context, n email.Notification) error
}

// Options tunes the live collaboration components.
type Options struct {
	EditDebounce    time.Duration
	EditMaxDelay    time.Duration
	PresenceTimeout time.Duration
	CursorPerSecond int
	PresenceMirror  presence.Mirror
}

// Services is the wired set of domain components the HTTP layer serves.
type Services struct {
	Ledger    *ledger.Ledger
	Versions  *versions.Service
	Comments  *comments.Service
	Workflows *workflow.Engine
	Documents *documents.Registry
	Presence  *presence.Tracker
	Collab    *collab.Coordinator
	Events    *events.Hub

	ping func(context.Context) error
}

// New wires every component over one store and snapshot backend.
func New(st store.Store, snapshots versions.SnapshotStore, n notifier, opts Options, logger zerolog.Logger) *Services {
	hub := events.NewHub(logger)
	l := ledger.New(st, logger)
	versionSvc := versions.New(st, snapshots, logger)
	commentSvc := comments.New(st, l, hub, n, logger)
	engine := workflow.New(st, l, versionSvc, hub, n, logger)
	tracker := presence.NewTracker(hub, logger, presence.Options{
		Timeout:         opts.PresenceTimeout,
		CursorPerSecond: opts.CursorPerSecond,
		Mirror:          opts.PresenceMirror,
	})
	coordinator := collab.New(collab.Deps{
		Access:    l,
		Documents: st,
		Versions:  versionSvc,
		Comments:  commentSvc,
		Workflows: engine,
		Presence:  tracker,
		Events:    hub,
	}, collab.Options{Debounce: opts.EditDebounce, MaxDelay: opts.EditMaxDelay}, logger)
	registry := documents.New(st, l, versionSvc, logger)
	registry.AttachSessions(coordinator)

	return &Services{
		Ledger:    l,
		Versions:  versionSvc,
		Comments:  commentSvc,
		Workflows: engine,
		Documents: registry,
		Presence:  tracker,
		Collab:    coordinator,
		Events:    hub,
	}
}

// WithPing sets the readiness check, typically the database ping.
func (s *Services) WithPing(ping func(context.Context) error) *Services {
	s.ping = ping
	return s
}

func (s *Services) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Shutdown commits buffered edits and closes every event feed.
func (s *Services) Shutdown(ctx context.Context) {
	s.Collab.Shutdown(ctx)
	s.Events.Close()
}

package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.SessionStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	store, err := Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndLatestTranscript(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, config.SessionStoreConfig{RetentionMode: "session"})

	if err := store.AppendSession(ctx, "sess-1", "en"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, text := range []string{"hello", "hello world", "hello world."} {
		err := store.AppendRevision(ctx, Revision{
			SessionID: "sess-1",
			Revision:  i + 1,
			Text:      text,
			Final:     i == 2,
		})
		if err != nil {
			t.Fatalf("append revision %d: %v", i, err)
		}
	}

	latest, err := store.LatestTranscript(ctx, "sess-1")
	if err != nil {
		t.Fatalf("latest transcript: %v", err)
	}
	if latest.Text != "hello world." || !latest.Final || latest.Revision != 3 {
		t.Fatalf("unexpected latest revision: %+v", latest)
	}

	revisions, err := store.ListSessionRevisions(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(revisions))
	}
	if revisions[0].Text != "hello" || revisions[2].Final != true {
		t.Fatalf("unexpected revisions: %+v", revisions)
	}
}

func TestEphemeralModeSkipsDisk(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, config.SessionStoreConfig{RetentionMode: "ephemeral"})

	if err := store.AppendSession(ctx, "sess-1", "en"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := store.AppendRevision(ctx, Revision{SessionID: "sess-1", Revision: 1, Text: "x"}); err != nil {
		t.Fatalf("append revision: %v", err)
	}
	if _, err := store.LatestTranscript(ctx, "sess-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, config.SessionStoreConfig{
		RetentionMode: "session",
		RetentionDays: 7,
	})

	now := time.Now().UTC()
	store.clock = func() time.Time { return now.Add(-30 * 24 * time.Hour) }
	if err := store.AppendSession(ctx, "old", "en"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendRevision(ctx, Revision{SessionID: "old", Revision: 1, Text: "stale"}); err != nil {
		t.Fatal(err)
	}

	store.clock = func() time.Time { return now }
	if err := store.AppendSession(ctx, "fresh", "en"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendRevision(ctx, Revision{SessionID: "fresh", Revision: 1, Text: "kept"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := store.LatestTranscript(ctx, "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	latest, err := store.LatestTranscript(ctx, "fresh")
	if err != nil || latest.Text != "kept" {
		t.Fatalf("fresh session lost: %v %+v", err, latest)
	}
}

func TestPruneByMaxSessions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, config.SessionStoreConfig{
		RetentionMode: "session",
		MaxSessions:   2,
	})

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		offset := time.Duration(i) * time.Minute
		store.clock = func() time.Time { return base.Add(offset) }
		if err := store.AppendSession(ctx, id, "en"); err != nil {
			t.Fatal(err)
		}
		if err := store.AppendRevision(ctx, Revision{SessionID: id, Revision: 1, Text: id}); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	// Oldest session and its revisions go, cascade included.
	if _, err := store.LatestTranscript(ctx, "a"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected oldest session pruned, got %v", err)
	}
	for _, id := range []string{"b", "c"} {
		if _, err := store.LatestTranscript(ctx, id); err != nil {
			t.Fatalf("session %s lost: %v", id, err)
		}
	}
}

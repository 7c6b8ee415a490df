package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/registry"
	"github.com/jkaninda/kipande/internal/security"
	"github.com/jkaninda/kipande/internal/snippet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Storage: &config.StorageConfig{
			Driver: DriverSQLite,
			SQLite: &config.SQLiteStorageConfig{
				Path: filepath.Join(t.TempDir(), "kipande.db"),
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestStore_OpenAndPing(t *testing.T) {
	store := openTestStore(t)
	if store.Driver() != DriverSQLite {
		t.Errorf("Driver() = %q, want %q", store.Driver(), DriverSQLite)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSnippetRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	sn := &snippet.Snippet{
		Name:    "greet",
		Code:    `return "Hello, World"`,
		Enabled: true,
	}
	if err := repo.Create(ctx, sn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "greet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Code != sn.Code || !got.Enabled {
		t.Errorf("Get returned %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}

	got.Code = `return "Hi"`
	got.Description = "updated"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got2, err := repo.Get(ctx, "greet")
	if err != nil {
		t.Fatalf("Get after Update: %v", err)
	}
	if got2.Code != `return "Hi"` || got2.Description != "updated" {
		t.Errorf("Update not applied: %+v", got2)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "greet" {
		t.Errorf("List = %+v", list)
	}

	if err := repo.Delete(ctx, "greet"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, "greet"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestSnippetRepository_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	sn := &snippet.Snippet{Name: "dup", Code: "return 1"}
	if err := repo.Create(ctx, sn); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := repo.Create(ctx, sn); !errors.Is(err, registry.ErrExists) {
		t.Errorf("second Create: err = %v, want ErrExists", err)
	}
}

func TestSnippetRepository_CreateInvalidName(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	if err := repo.Create(ctx, &snippet.Snippet{Name: "gallery", Code: "return 1"}); err == nil {
		t.Error("Create accepted a reserved name")
	}
}

func TestSnippetRepository_SetEnabled(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	if err := repo.Create(ctx, &snippet.Snippet{Name: "toggle", Code: "return 1", Enabled: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SetEnabled(ctx, "toggle", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, err := repo.Get(ctx, "toggle")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enabled {
		t.Error("snippet still enabled")
	}

	if err := repo.SetEnabled(ctx, "missing", true); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SetEnabled on missing: err = %v, want ErrNotFound", err)
	}
}

func TestSnippetRepository_LastParameters(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	if err := repo.Create(ctx, &snippet.Snippet{Name: "params", Code: "return 1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	params := map[string]string{"name": "Ada", "count": "3"}
	if err := repo.SaveLastParameters(ctx, "params", params); err != nil {
		t.Fatalf("SaveLastParameters: %v", err)
	}
	got, err := repo.Get(ctx, "params")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastParameters["name"] != "Ada" || got.LastParameters["count"] != "3" {
		t.Errorf("LastParameters = %v", got.LastParameters)
	}

	if err := repo.SaveLastParameters(ctx, "params", nil); err != nil {
		t.Fatalf("SaveLastParameters nil: %v", err)
	}
	got, err = repo.Get(ctx, "params")
	if err != nil {
		t.Fatalf("Get after clear: %v", err)
	}
	if got.LastParameters != nil {
		t.Errorf("LastParameters not cleared: %v", got.LastParameters)
	}
}

func TestSnippetRepository_SurfaceFlags(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Snippets()

	flags, err := repo.SurfaceFlags(ctx)
	if err != nil {
		t.Fatalf("SurfaceFlags: %v", err)
	}
	if flags != (registry.SurfaceFlags{}) {
		t.Errorf("default flags = %+v, want all off", flags)
	}

	want := registry.SurfaceFlags{Widget: true, Feed: true}
	if err := repo.SetSurfaceFlags(ctx, want); err != nil {
		t.Fatalf("SetSurfaceFlags: %v", err)
	}
	flags, err = repo.SurfaceFlags(ctx)
	if err != nil {
		t.Fatalf("SurfaceFlags after set: %v", err)
	}
	if flags != want {
		t.Errorf("flags = %+v, want %+v", flags, want)
	}

	// Second write updates the singleton row in place.
	want.Feed = false
	if err := repo.SetSurfaceFlags(ctx, want); err != nil {
		t.Fatalf("second SetSurfaceFlags: %v", err)
	}
	flags, _ = repo.SurfaceFlags(ctx)
	if flags != want {
		t.Errorf("flags after second set = %+v, want %+v", flags, want)
	}
}

func TestAuditRepository_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Audit()

	base := time.Now().UTC().Truncate(time.Second)
	events := []security.AuditEvent{
		{Timestamp: base.Add(-2 * time.Hour), CorrelationID: "c1", ActorID: "admin", Snippet: "greet", Status: "completed", Surface: "normal"},
		{Timestamp: base.Add(-1 * time.Hour), CorrelationID: "c2", ActorID: "admin", Snippet: "greet", Status: "blocked", Message: "disabled", Surface: "normal"},
		{Timestamp: base, CorrelationID: "c3", ActorID: "viewer", Snippet: "other", Status: "failed", Surface: "widget"},
	}
	for i := range events {
		if err := repo.Append(ctx, events[i]); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	all, err := repo.Query(ctx, "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Query returned %d events, want 3", len(all))
	}
	if all[0].CorrelationID != "c3" || all[2].CorrelationID != "c1" {
		t.Errorf("events not newest first: %q, %q, %q",
			all[0].CorrelationID, all[1].CorrelationID, all[2].CorrelationID)
	}

	greet, err := repo.Query(ctx, "greet", 10)
	if err != nil {
		t.Fatalf("Query greet: %v", err)
	}
	if len(greet) != 2 {
		t.Errorf("Query greet returned %d events, want 2", len(greet))
	}

	limited, err := repo.Query(ctx, "", 1)
	if err != nil {
		t.Fatalf("Query limit 1: %v", err)
	}
	if len(limited) != 1 || limited[0].CorrelationID != "c3" {
		t.Errorf("Query limit 1 = %+v", limited)
	}
}

func TestAuditRepository_PruneBefore(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Audit()

	base := time.Now().UTC()
	for _, ev := range []security.AuditEvent{
		{Timestamp: base.Add(-48 * time.Hour), CorrelationID: "old", Snippet: "a", Status: "completed"},
		{Timestamp: base.Add(-36 * time.Hour), CorrelationID: "older", Snippet: "a", Status: "completed"},
		{Timestamp: base, CorrelationID: "new", Snippet: "a", Status: "completed"},
	} {
		if err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	pruned, err := repo.PruneBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d rows, want 2", pruned)
	}

	remaining, err := repo.Query(ctx, "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(remaining) != 1 || remaining[0].CorrelationID != "new" {
		t.Errorf("remaining = %+v", remaining)
	}
}

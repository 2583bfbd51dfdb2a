package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFindInstallation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindInstallation(context.Background(), "u1", "com.example", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindInstallation_JoinsRequestedGrantOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Install(ctx, "u1", "com.example"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGrant(ctx, "u1", "com.example", "projects.read", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGrant(ctx, "u1", "com.example", "revenues.write", false); err != nil {
		t.Fatal(err)
	}

	inst, err := s.FindInstallation(ctx, "u1", "com.example", "projects.read")
	if err != nil {
		t.Fatal(err)
	}
	if !inst.Active {
		t.Error("expected active installation")
	}
	if len(inst.Grants) != 1 || !inst.Granted("projects.read") {
		t.Errorf("expected only projects.read joined, got %+v", inst.Grants)
	}

	inst, err = s.FindInstallation(ctx, "u1", "com.example", "revenues.write")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Granted("revenues.write") {
		t.Error("revenues.write was recorded as not granted")
	}

	inst, err = s.FindInstallation(ctx, "u1", "com.example", "projects.write")
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Grants) != 0 {
		t.Errorf("expected no grant rows, got %+v", inst.Grants)
	}

	inst, err = s.FindInstallation(ctx, "u1", "com.example", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Grants) != 2 {
		t.Errorf("expected all grants, got %+v", inst.Grants)
	}
}

func TestInstallation_ScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Install(ctx, "u1", "com.example"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindInstallation(ctx, "u2", "com.example", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("u2 must not see u1's installation, got %v", err)
	}
}

func TestSetActiveAndReinstall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Install(ctx, "u1", "com.example")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetActive(ctx, "u1", "com.example", false); err != nil {
		t.Fatal(err)
	}
	inst, err := s.FindInstallation(ctx, "u1", "com.example", "")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Active {
		t.Fatal("expected inactive installation")
	}

	again, err := s.Install(ctx, "u1", "com.example")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Active || again.ID != first.ID {
		t.Errorf("reinstall should reactivate the same row: %+v vs %+v", again, first)
	}

	if err := s.SetActive(ctx, "u1", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUninstall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Install(ctx, "u1", "com.example"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGrant(ctx, "u1", "com.example", "projects.read", true); err != nil {
		t.Fatal(err)
	}
	if err := s.Uninstall(ctx, "u1", "com.example"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindInstallation(ctx, "u1", "com.example", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after uninstall, got %v", err)
	}

	// Grants do not survive a reinstall.
	inst, err := s.Install(ctx, "u1", "com.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Grants) != 0 {
		t.Errorf("expected no grants after reinstall, got %+v", inst.Grants)
	}
}

func TestPlugins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RegisterPlugin(ctx, Plugin{PluginID: "com.example", Name: "Example", SourceURL: "ftp://nope"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "source_url" {
		t.Fatalf("expected source_url validation error, got %v", err)
	}

	p := Plugin{
		PluginID:    "com.example",
		Name:        "Example",
		SourceURL:   "https://plugins.example.com/frame.html",
		Permissions: []string{"projects.read"},
	}
	if err := s.RegisterPlugin(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Published = true
	p.Name = "Example v2"
	if err := s.RegisterPlugin(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPlugin(ctx, "com.example")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Example v2" || !got.Published || len(got.Permissions) != 1 {
		t.Errorf("unexpected plugin %+v", got)
	}

	if _, err := s.GetPlugin(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.RegisterPlugin(ctx, Plugin{PluginID: "org.draft", Name: "Draft", SourceURL: "https://d.example"}); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListPlugins(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	published, err := s.ListPlugins(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || len(published) != 1 {
		t.Errorf("expected 2 listings and 1 published, got %d and %d", len(all), len(published))
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.CreateSession(ctx, "hash-live", "u1", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, "hash-old", "u2", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	sess, err := s.LookupSession(ctx, "hash-live")
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "u1" {
		t.Errorf("user = %q", sess.UserID)
	}

	if _, err := s.LookupSession(ctx, "hash-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session should not resolve, got %v", err)
	}

	n, err := s.PurgeExpiredSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}

	if err := s.DeleteSession(ctx, "hash-live"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LookupSession(ctx, "hash-live"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session should not resolve, got %v", err)
	}
}

func TestProjects_ScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine, err := s.CreateProject(ctx, "u1", ProjectInput{Name: ptr("Website")})
	if err != nil {
		t.Fatal(err)
	}
	if mine.Status != ProjectActive {
		t.Errorf("default status = %q", mine.Status)
	}
	if _, err := s.CreateProject(ctx, "u2", ProjectInput{Name: ptr("Other")}); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListProjects(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("u1 should only see its own project, got %+v", list)
	}

	if _, err := s.UpdateProject(ctx, "u2", mine.ID, ProjectInput{Name: ptr("hijack")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("u2 must not update u1's project, got %v", err)
	}
	if err := s.DeleteProject(ctx, "u2", mine.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("u2 must not delete u1's project, got %v", err)
	}

	updated, err := s.UpdateProject(ctx, "u1", mine.ID, ProjectInput{Status: ptr(ProjectCompleted)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != ProjectCompleted || updated.Name != "Website" {
		t.Errorf("partial update changed the wrong fields: %+v", updated)
	}

	if err := s.DeleteProject(ctx, "u1", mine.ID); err != nil {
		t.Fatal(err)
	}
}

func TestProjects_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    ProjectInput
		field string
	}{
		{"missing name", ProjectInput{}, "name"},
		{"blank name", ProjectInput{Name: ptr("  ")}, "name"},
		{"bad status", ProjectInput{Name: ptr("x"), Status: ptr("deleted")}, "status"},
	}
	for _, tt := range tests {
		_, err := s.CreateProject(ctx, "u1", tt.in)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != tt.field {
			t.Errorf("%s: expected validation error on %s, got %v", tt.name, tt.field, err)
		}
	}
}

func TestRevenues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.CreateRevenue(ctx, "u1", RevenueInput{Amount: ptr(int64(120000)), RecordedOn: ptr("2026-01-31")})
	if err != nil {
		t.Fatal(err)
	}
	if rev.Currency != DefaultCurrency {
		t.Errorf("currency = %q", rev.Currency)
	}

	updated, err := s.UpdateRevenue(ctx, "u1", rev.ID, RevenueInput{Note: ptr("January retainer")})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Note != "January retainer" || updated.Amount != 120000 {
		t.Errorf("unexpected update result %+v", updated)
	}

	list, err := s.ListRevenues(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("u2 should see no revenues, got %d", len(list))
	}

	bad := []RevenueInput{
		{RecordedOn: ptr("2026-01-31")},
		{Amount: ptr(int64(-1)), RecordedOn: ptr("2026-01-31")},
		{Amount: ptr(int64(1)), RecordedOn: ptr("31/01/2026")},
		{Amount: ptr(int64(1)), RecordedOn: ptr("2026-01-31"), Currency: ptr("yen")},
	}
	for i, in := range bad {
		var verr *ValidationError
		if _, err := s.CreateRevenue(ctx, "u1", in); !errors.As(err, &verr) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}

	if err := s.DeleteRevenue(ctx, "u1", rev.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRevenue(ctx, "u1", rev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDBErrorUnwrap(t *testing.T) {
	s := newTestStore(t)
	s.Close()

	_, err := s.ListProjects(context.Background(), "u1")
	var dbe *DBError
	if !errors.As(err, &dbe) {
		t.Fatalf("expected *DBError from a closed database, got %T %v", err, err)
	}
	if dbe.Op != "list projects" || errors.Unwrap(dbe) == nil {
		t.Errorf("unexpected DBError %+v", dbe)
	}
}

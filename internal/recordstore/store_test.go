package recordstore

import (
	"io"
	"log/slog"
	"testing"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/storage"
)

func testStore(t *testing.T) (*Store, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(files, ".refhub/records.json", "", nil, logger)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, files
}

func TestAddAssignsID(t *testing.T) {
	s, _ := testStore(t)
	added, err := s.Add(&models.Record{Path: "papers/a.pdf"}, Options{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Error("expected generated ID")
	}
	if added.CreatedAt.IsZero() || added.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestAddExistingIDConflicts(t *testing.T) {
	s, _ := testStore(t)
	added, _ := s.Add(&models.Record{Path: "a.pdf"}, Options{})
	if _, err := s.Add(&models.Record{ID: added.ID, Path: "b.pdf"}, Options{}); err != apperr.ErrAlreadyExists {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s, _ := testStore(t)
	added, _ := s.Add(&models.Record{Path: "a.pdf", Title: "A"}, Options{})
	created := added.CreatedAt

	added.Title = "Renamed"
	added.CreatedAt = created.AddDate(-1, 0, 0)
	updated, err := s.Update(added, Options{})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "Renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if !updated.CreatedAt.Equal(created) {
		t.Error("CreatedAt should be preserved from the stored copy")
	}
}

func TestUpdateUnknownID(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Update(&models.Record{ID: "nope"}, Options{}); err != apperr.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteReturnsLastState(t *testing.T) {
	s, _ := testStore(t)
	added, _ := s.Add(&models.Record{Path: "a.pdf", CompanionPath: "a.md", HasCompanion: true}, Options{})

	last, err := s.Delete(added.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if last.CompanionPath != "a.md" {
		t.Errorf("companion path = %q", last.CompanionPath)
	}
	if _, err := s.Get(added.ID); err != apperr.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFindByIdentityKey_CaseInsensitive(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Add(&models.Record{Path: "a.pdf", IdentityKey: "10.1000/ABC"}, Options{})

	if got := s.FindByIdentityKey("10.1000/abc"); got == nil {
		t.Fatal("expected case-insensitive match")
	}
	if got := s.FindByIdentityKey("10.9999/other"); got != nil {
		t.Errorf("unexpected match: %v", got)
	}
}

func TestBlankIdentityKeysNeverMatch(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Add(&models.Record{Path: "a.pdf"}, Options{})
	_, _ = s.Add(&models.Record{Path: "b.pdf", IdentityKey: "   "}, Options{})

	if got := s.FindByIdentityKey(""); got != nil {
		t.Errorf("blank key matched: %v", got)
	}
	if got := s.FindByIdentityKey("   "); got != nil {
		t.Errorf("whitespace key matched: %v", got)
	}
	if groups := s.Duplicates(); len(groups) != 0 {
		t.Errorf("blank keys reported as duplicates: %d groups", len(groups))
	}
}

func TestDuplicatesGroups(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Add(&models.Record{Path: "a.pdf", IdentityKey: "doi:x"}, Options{})
	_, _ = s.Add(&models.Record{Path: "b.pdf", IdentityKey: "DOI:X"}, Options{})
	_, _ = s.Add(&models.Record{Path: "c.pdf", IdentityKey: "doi:y"}, Options{})

	groups := s.Duplicates()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0]) != 2 {
		t.Errorf("group size = %d, want 2", len(groups[0]))
	}
}

func TestAddBatchFlushesOnce(t *testing.T) {
	s, files := testStore(t)
	recs := []*models.Record{
		{Path: "a.pdf"},
		{Path: "b.pdf"},
		{Path: "c.pdf"},
	}
	n, err := s.AddBatch(recs)
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("added = %d, want 3", n)
	}
	if !files.Exists(".refhub/records.json") {
		t.Error("expected persisted blob after batch flush")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	files, _ := storage.NewFS(dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1 := New(files, "records.json", "", nil, logger)
	_ = s1.Load()
	added, _ := s1.Add(&models.Record{Path: "a.pdf", Title: "A", Tags: []string{"t1"}}, Options{})

	s2 := New(files, "records.json", "", nil, logger)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := s2.Get(added.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Title != "A" || len(got.Tags) != 1 {
		t.Errorf("reloaded record = %+v", got)
	}
}

func TestLoadLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	files, _ := storage.NewFS(dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Seed state at the legacy path only.
	s1 := New(files, "legacy.json", "", nil, logger)
	_ = s1.Load()
	added, _ := s1.Add(&models.Record{Path: "a.pdf"}, Options{})

	s2 := New(files, "records.json", "legacy.json", nil, logger)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s2.Get(added.ID); err != nil {
		t.Fatalf("migrated record missing: %v", err)
	}
	// Migration settles state at the new location.
	if !files.Exists("records.json") {
		t.Error("expected blob written to new path after migration")
	}
}

func TestLoadCorruptBlobStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	files, _ := storage.NewFS(dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_ = files.Write("records.json", []byte("{not json"))

	s := New(files, "records.json", "", nil, logger)
	if err := s.Load(); err != nil {
		t.Fatalf("Load should not fail the session: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("count = %d, want 0", s.Count())
	}
}

func TestNormalizeCompanionInvariant(t *testing.T) {
	s, _ := testStore(t)

	// HasCompanion without a path is cleared.
	a, _ := s.Add(&models.Record{Path: "a.pdf", HasCompanion: true}, Options{})
	if a.HasCompanion {
		t.Error("HasCompanion should be cleared without a companion path")
	}

	// Lost and HasCompanion are mutually exclusive; Lost wins on write.
	b, _ := s.Add(&models.Record{Path: "b.pdf", CompanionPath: "b.md", HasCompanion: true, Lost: true}, Options{})
	if b.HasCompanion {
		t.Error("lost companion must not be marked present")
	}

	// Reference count is derived.
	c, _ := s.Add(&models.Record{
		Path:           "c.pdf",
		ReferenceCount: 99,
		References:     []models.ReferenceEntry{{SourcePath: "x.md", Line: 1}},
	}, Options{})
	if c.ReferenceCount != 1 {
		t.Errorf("reference count = %d, want 1", c.ReferenceCount)
	}
}

func TestAllSortedByPath(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Add(&models.Record{Path: "z.pdf"}, Options{})
	_, _ = s.Add(&models.Record{Path: "a.pdf"}, Options{})
	_, _ = s.Add(&models.Record{Path: "m.pdf"}, Options{})

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].Path != "a.pdf" || all[2].Path != "z.pdf" {
		t.Errorf("order = %s, %s, %s", all[0].Path, all[1].Path, all[2].Path)
	}
}

func TestTagsUnionSorted(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Add(&models.Record{Path: "a.pdf", Tags: []string{"zeta", "alpha"}}, Options{})
	_, _ = s.Add(&models.Record{Path: "b.pdf", Tags: []string{"alpha", "  "}}, Options{})

	tags := s.TagsUnion()
	if len(tags) != 2 || tags[0] != "alpha" || tags[1] != "zeta" {
		t.Errorf("tags = %v", tags)
	}
}

package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/starford/refhub/internal/apperr"
	"github.com/starford/refhub/internal/companion"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/resolver"
	"github.com/starford/refhub/internal/storage"
	"github.com/starford/refhub/internal/testutil"
)

type fixture struct {
	engine *Engine
	store  *recordstore.Store
	files  storage.Provider
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	_, files := testutil.TestVault(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := recordstore.New(files, "records.json", "", nil, logger)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	comp := companion.NewManager(files, companion.Config{Enabled: true})
	res := resolver.New(db, files, logger)
	res.SetBatching(5, 0)
	engine := New(store, comp, files, res, nil, nil, logger, cooldown)
	engine.SetBatching(5, 0)

	return &fixture{engine: engine, store: store, files: files}
}

func (f *fixture) addRecord(t *testing.T, rec *models.Record) *models.Record {
	t.Helper()
	added, err := f.store.Add(rec, recordstore.Options{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return added
}

func TestFileRenamed_PrimaryRebinds(t *testing.T) {
	f := newFixture(t, 0)
	_ = f.files.Write("papers/new-name.pdf", []byte("12345"))
	added := f.addRecord(t, &models.Record{Path: "papers/old.pdf", FileName: "old.pdf", FileType: "pdf"})

	f.engine.FileRenamed("papers/old.pdf", "papers/new-name.pdf", false)

	got, _ := f.store.Get(added.ID)
	if got.Path != "papers/new-name.pdf" {
		t.Errorf("path = %q", got.Path)
	}
	if got.FileName != "new-name.pdf" || got.FileType != "pdf" {
		t.Errorf("binding = %q / %q", got.FileName, got.FileType)
	}
	if got.Size != 5 {
		t.Errorf("size = %d, want 5", got.Size)
	}
}

func TestFileRenamed_CompanionFollowsAndAdoptsPrimary(t *testing.T) {
	f := newFixture(t, 0)
	// Both files moved from papers/ to archive/ (directory move).
	_ = f.files.Write("archive/a.pdf", []byte("data"))
	added := f.addRecord(t, &models.Record{
		Path:          "papers/a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "papers/a.md",
		HasCompanion:  true,
	})

	f.engine.FileRenamed("papers/a.md", "archive/a.md", true)

	got, _ := f.store.Get(added.ID)
	if got.CompanionPath != "archive/a.md" {
		t.Errorf("companion path = %q", got.CompanionPath)
	}
	if got.Path != "archive/a.pdf" {
		t.Errorf("primary not adopted: %q", got.Path)
	}
	if len(f.engine.PendingReassignments()) != 0 {
		t.Error("no reassignment should be pending")
	}
}

func TestFileRenamed_CompanionMovedPrimaryMissing(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{
		Path:          "papers/a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "papers/a.md",
		HasCompanion:  true,
	})

	// Companion moved to elsewhere/ but the primary did not.
	f.engine.FileRenamed("papers/a.md", "elsewhere/a.md", true)

	got, _ := f.store.Get(added.ID)
	if got.CompanionPath != "elsewhere/a.md" {
		t.Errorf("companion path = %q", got.CompanionPath)
	}
	if got.Path != "papers/a.pdf" {
		t.Errorf("primary should be unchanged: %q", got.Path)
	}

	pending := f.engine.PendingReassignments()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].RecordID != added.ID || pending[0].Candidate != "elsewhere/a.pdf" {
		t.Errorf("pending = %+v", pending[0])
	}
}

func TestFileRenamed_CompanionElsewhereNoDerivation(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{
		Path:          "papers/a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "refs/a.md", // companion never co-located with primary
		HasCompanion:  true,
	})

	f.engine.FileRenamed("refs/a.md", "archive/a.md", true)

	got, _ := f.store.Get(added.ID)
	if got.CompanionPath != "archive/a.md" {
		t.Errorf("companion path = %q", got.CompanionPath)
	}
	if got.Path != "papers/a.pdf" {
		t.Errorf("primary should be unchanged: %q", got.Path)
	}
	if len(f.engine.PendingReassignments()) != 0 {
		t.Error("non-co-located companion move must not raise a reassignment")
	}
}

func TestFileDeleted_CompanionMarkedLost(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{
		Path:          "a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "a.md",
		HasCompanion:  true,
	})

	f.engine.FileDeleted("a.md", true)

	got, _ := f.store.Get(added.ID)
	if got.HasCompanion || got.CompanionPath != "" {
		t.Errorf("companion state not cleared: %+v", got)
	}
	if !got.Lost {
		t.Error("record should be marked lost")
	}
}

func TestFileDeleted_PrimaryLeavesRecord(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{Path: "a.pdf", FileName: "a.pdf"})

	f.engine.FileDeleted("a.pdf", false)

	got, err := f.store.Get(added.ID)
	if err != nil {
		t.Fatalf("record disappeared: %v", err)
	}
	if got.Path != "a.pdf" {
		t.Errorf("path = %q", got.Path)
	}
}

func TestResolveReassignment(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{
		Path:          "papers/a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "papers/a.md",
		HasCompanion:  true,
	})
	f.engine.FileRenamed("papers/a.md", "moved/a.md", true)

	// A path that does not resolve is rejected.
	if _, err := f.engine.ResolveReassignment(added.ID, "moved/missing.pdf"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	_ = f.files.Write("moved/renamed.pdf", []byte("content"))
	got, err := f.engine.ResolveReassignment(added.ID, "moved/renamed.pdf")
	if err != nil {
		t.Fatalf("ResolveReassignment: %v", err)
	}
	if got.Path != "moved/renamed.pdf" || got.FileName != "renamed.pdf" {
		t.Errorf("rebind = %q / %q", got.Path, got.FileName)
	}
	if len(f.engine.PendingReassignments()) != 0 {
		t.Error("pending entry not cleared")
	}
}

func TestCandidatePaths_Scoring(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{Path: "papers/study.pdf", FileName: "study.pdf"})

	_ = f.files.Write("archive/study.pdf", []byte("x"))   // exact base
	_ = f.files.Write("archive/study.djvu", []byte("x"))  // same stem
	_ = f.files.Write("archive/study-v2.pdf", []byte("x")) // stem contains
	_ = f.files.Write("archive/unrelated.pdf", []byte("x"))

	got, err := f.engine.CandidatePaths(added.ID, 10)
	if err != nil {
		t.Fatalf("CandidatePaths: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates = %v", got)
	}
	if got[0] != "archive/study.pdf" {
		t.Errorf("best candidate = %q", got[0])
	}
	if got[1] != "archive/study.djvu" {
		t.Errorf("second candidate = %q", got[1])
	}
}

func TestValidateCompanionState_LostDetection(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{
		Path:          "a.pdf",
		FileName:      "a.pdf",
		CompanionPath: "a.md", // never written to disk
		HasCompanion:  true,
	})

	got, err := f.engine.ValidateCompanionState(added.ID)
	if err != nil {
		t.Fatalf("ValidateCompanionState: %v", err)
	}
	if got.HasCompanion || !got.Lost {
		t.Errorf("state = %+v, want lost", got)
	}
}

func TestValidateCompanionState_GeneratesMissing(t *testing.T) {
	f := newFixture(t, 0)
	added := f.addRecord(t, &models.Record{Path: "a.pdf", FileName: "a.pdf", FileType: "pdf", Title: "T"})

	got, err := f.engine.ValidateCompanionState(added.ID)
	if err != nil {
		t.Fatalf("ValidateCompanionState: %v", err)
	}
	if !got.HasCompanion || got.CompanionPath == "" {
		t.Errorf("companion not generated: %+v", got)
	}
	if !f.files.Exists(got.CompanionPath) {
		t.Error("companion document missing on disk")
	}
}

func TestResyncAll_RegeneratesAndRepairs(t *testing.T) {
	f := newFixture(t, 0)
	// One record with a live companion, one with a lost companion, one with none.
	live := f.addRecord(t, &models.Record{Path: "live.pdf", FileName: "live.pdf", FileType: "pdf", Title: "Live"})
	liveNext, err := f.engine.ValidateCompanionState(live.ID)
	if err != nil {
		t.Fatalf("seed live companion: %v", err)
	}
	lost := f.addRecord(t, &models.Record{
		Path: "lost.pdf", FileName: "lost.pdf",
		CompanionPath: "lost.md", HasCompanion: true,
	})
	fresh := f.addRecord(t, &models.Record{Path: "fresh.pdf", FileName: "fresh.pdf", FileType: "pdf"})

	if err := f.engine.ResyncAll(context.Background()); err != nil {
		t.Fatalf("ResyncAll: %v", err)
	}

	gotLive, _ := f.store.Get(live.ID)
	if !gotLive.HasCompanion || gotLive.CompanionPath != liveNext.CompanionPath {
		t.Errorf("live record = %+v", gotLive)
	}
	gotLost, _ := f.store.Get(lost.ID)
	if !gotLost.Lost {
		t.Errorf("lost record = %+v", gotLost)
	}
	gotFresh, _ := f.store.Get(fresh.ID)
	if !gotFresh.HasCompanion {
		t.Errorf("fresh record should have gained a companion: %+v", gotFresh)
	}
}

func TestResyncAll_CooldownBlocksRapidReruns(t *testing.T) {
	f := newFixture(t, time.Minute)

	if err := f.engine.ResyncAll(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.engine.ResyncAll(context.Background()); !errors.Is(err, apperr.ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestRecomputeAll_Guarded(t *testing.T) {
	f := newFixture(t, time.Minute)

	if err := f.engine.RecomputeAll(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.engine.RecomputeAll(context.Background()); !errors.Is(err, apperr.ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
	// The resync guard is independent of the recompute guard.
	if err := f.engine.ResyncAll(context.Background()); err != nil {
		t.Errorf("resync should not share the recompute cooldown: %v", err)
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/refhub/internal/companion"
	"github.com/starford/refhub/internal/hub"
	"github.com/starford/refhub/internal/models"
	"github.com/starford/refhub/internal/reconcile"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/resolver"
	"github.com/starford/refhub/internal/storage"
	"github.com/starford/refhub/internal/testutil"
)

func newTestServer(t *testing.T, authEnabled bool, token string) (*httptest.Server, storage.Provider) {
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
	engine := reconcile.New(store, comp, files, res, nil, nil, logger, 0)
	engine.SetBatching(5, 0)

	svc := hub.NewService(store, comp, res, engine, db, files, nil, nil, logger)
	srv := httptest.NewServer(NewRouter(svc, authEnabled, token, nil))
	t.Cleanup(srv.Close)
	return srv, files
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestRecordsCRUD(t *testing.T) {
	srv, _ := newTestServer(t, false, "")

	// Create.
	resp := doJSON(t, http.MethodPost, srv.URL+"/records", CreateRecordRequest{
		Path:  "papers/a.pdf",
		Title: "A Paper",
		Tags:  []string{"ml"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[hub.AddResult](t, resp)
	if created.Record == nil || created.Record.ID == "" {
		t.Fatalf("create result = %+v", created)
	}
	id := created.Record.ID

	// Get.
	resp = doJSON(t, http.MethodGet, srv.URL+"/records/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decode[models.Record](t, resp)
	if got.Title != "A Paper" {
		t.Errorf("title = %q", got.Title)
	}

	// List with tag filter.
	resp = doJSON(t, http.MethodGet, srv.URL+"/records?tag=ml", nil)
	list := decode[RecordListResponse](t, resp)
	if list.Total != 1 {
		t.Errorf("filtered total = %d", list.Total)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/records?tag=none", nil)
	list = decode[RecordListResponse](t, resp)
	if list.Total != 0 {
		t.Errorf("empty filter total = %d", list.Total)
	}

	// Update.
	got.Title = "Renamed Paper"
	resp = doJSON(t, http.MethodPut, srv.URL+"/records/"+id, got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	updated := decode[models.Record](t, resp)
	if updated.Title != "Renamed Paper" {
		t.Errorf("updated title = %q", updated.Title)
	}

	// Delete.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/records/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/records/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestCreateRecord_Validation(t *testing.T) {
	srv, _ := newTestServer(t, false, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/records", CreateRecordRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing path status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/records", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
}

func TestCreateRecord_DuplicateSkipConflicts(t *testing.T) {
	srv, _ := newTestServer(t, false, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/records", CreateRecordRequest{
		Path: "a.pdf", IdentityKey: "10.1/x", SkipCompanion: true,
	})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/records", CreateRecordRequest{
		Path: "b.pdf", IdentityKey: "10.1/x", SkipCompanion: true, OnDuplicate: "skip",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	result := decode[hub.AddResult](t, resp)
	if result.Duplicate == nil {
		t.Error("conflict body should carry the existing record")
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, true, "secret-token")

	resp, err := http.Get(srv.URL + "/records")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d", resp.StatusCode)
	}
}

func TestSearch_RequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, false, "")

	resp, _ := http.Get(srv.URL + "/search")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/search?q=anything")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	results := decode[SearchResponse](t, resp)
	if len(results.Results) != 0 {
		t.Errorf("results = %+v", results)
	}
}

func TestSyncEndpointsGuarded(t *testing.T) {
	db := testutil.TestDB(t)
	_, files := testutil.TestVault(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := recordstore.New(files, "records.json", "", nil, logger)
	_ = store.Load()
	comp := companion.NewManager(files, companion.Config{Enabled: true})
	res := resolver.New(db, files, logger)
	engine := reconcile.New(store, comp, files, res, nil, nil, logger, time.Minute)
	svc := hub.NewService(store, comp, res, engine, db, files, nil, nil, logger)
	srv := httptest.NewServer(NewRouter(svc, false, "", nil))
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/sync/resync", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first resync status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/sync/resync", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second resync status = %d, want 429", resp.StatusCode)
	}
}

func TestReassignmentFlow(t *testing.T) {
	srv, files := newTestServer(t, false, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/records", CreateRecordRequest{Path: "papers/a.pdf"})
	created := decode[hub.AddResult](t, resp)
	id := created.Record.ID

	// No pending reassignments initially.
	resp = doJSON(t, http.MethodGet, srv.URL+"/reassignments", nil)
	pending := decode[ReassignmentsResponse](t, resp)
	if len(pending.Pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}

	// Resolving against a missing file is rejected.
	resp = doJSON(t, http.MethodPost, srv.URL+"/reassignments/"+id, ResolveReassignmentRequest{Path: "missing.pdf"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing file status = %d", resp.StatusCode)
	}

	_ = files.Write("moved/a.pdf", []byte("x"))
	resp = doJSON(t, http.MethodPost, srv.URL+"/reassignments/"+id, ResolveReassignmentRequest{Path: "moved/a.pdf"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	rec := decode[models.Record](t, resp)
	if rec.Path != "moved/a.pdf" {
		t.Errorf("path = %q", rec.Path)
	}
}

func TestAttachmentUpload(t *testing.T) {
	srv, files := newTestServer(t, false, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("%PDF-1.4 content"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	result := decode[AttachmentImportResponse](t, resp)
	if result.Filename != "upload.pdf" || result.Record == nil {
		t.Errorf("result = %+v", result)
	}
	if !files.Exists("attachments/upload.pdf") {
		t.Error("attachment not written to vault")
	}
}

func TestAttachmentUpload_RejectsTraversal(t *testing.T) {
	srv, _ := newTestServer(t, false, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "../../escape.pdf")
	_, _ = fw.Write([]byte("x"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

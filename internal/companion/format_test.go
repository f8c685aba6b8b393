package companion

import (
	"strings"
	"testing"
	"time"

	"github.com/starford/refhub/internal/models"
)

func sampleRecord() *models.Record {
	return &models.Record{
		ID:          "rec-1",
		Title:       "Deep Learning Survey",
		Author:      "Smith, J.",
		Year:        "2021",
		IdentityKey: "10.1000/dl.survey",
		Publisher:   "ACM",
		Tier:        "A",
		Path:        "papers/smith2021.pdf",
		FileName:    "smith2021.pdf",
		FileType:    "pdf",
		Size:        1024,
		Tags:        []string{"ml", "survey"},
		Citation:    "Smith, J. (2021). Deep Learning Survey.\nACM Computing Surveys.",
		CreatedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		References: []models.ReferenceEntry{
			{
				SourcePath: "notes/reading.md",
				SourceName: "reading.md",
				Line:       14,
				Strategy:   models.StrategyLink,
				Context:    `see [[smith2021.pdf]] for "details"`,
			},
		},
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	rec := sampleRecord()
	text := Render(rec, "my notes")

	h := parseHeader(text)
	if h.fields["id"] != "rec-1" {
		t.Errorf("id = %q", h.fields["id"])
	}
	if h.fields["title"] != rec.Title {
		t.Errorf("title = %q", h.fields["title"])
	}
	if h.fields["author"] != rec.Author {
		t.Errorf("author = %q", h.fields["author"])
	}
	if h.fields["identity_key"] != rec.IdentityKey {
		t.Errorf("identity_key = %q", h.fields["identity_key"])
	}
	if h.fields["file"] != rec.Path {
		t.Errorf("file = %q", h.fields["file"])
	}
	if len(h.tags) != 2 || h.tags[0] != "ml" || h.tags[1] != "survey" {
		t.Errorf("tags = %v", h.tags)
	}
	if len(h.references) != 1 {
		t.Fatalf("references = %d, want 1", len(h.references))
	}
	ref := h.references[0]
	if ref.SourcePath != "notes/reading.md" || ref.Line != 14 || ref.Strategy != models.StrategyLink {
		t.Errorf("ref = %+v", ref)
	}
	if ref.Context != rec.References[0].Context {
		t.Errorf("context = %q, want %q", ref.Context, rec.References[0].Context)
	}
	if h.citation != rec.Citation {
		t.Errorf("citation = %q, want %q", h.citation, rec.Citation)
	}
}

func TestRenderSkipsEmptyFields(t *testing.T) {
	rec := &models.Record{ID: "rec-2", Path: "a.pdf", FileName: "a.pdf"}
	text := Render(rec, "")

	if strings.Contains(text, "author:") {
		t.Error("empty author should be omitted")
	}
	if strings.Contains(text, "identity_key:") {
		t.Error("empty identity key should be omitted")
	}
	if !strings.Contains(text, "reference_count: 0") {
		t.Error("reference_count is always written")
	}
}

func TestRenderDefaultBody(t *testing.T) {
	text := Render(sampleRecord(), "")
	body, ok := ExtractBody(text)
	if !ok {
		t.Fatal("notes markers missing")
	}
	for _, heading := range []string{"## Summary", "## Key Points", "## Notes", "## Quotes"} {
		if !strings.Contains(body, heading) {
			t.Errorf("default body missing %q", heading)
		}
	}
}

func TestBodyPreservedAcrossRegeneration(t *testing.T) {
	rec := sampleRecord()
	userBody := "## Summary\n\nMy own words stay put.\n\ncustom *markdown* [[link]]"

	first := Render(rec, userBody)
	got, ok := ExtractBody(first)
	if !ok {
		t.Fatal("notes markers missing")
	}

	// Change header fields and re-render with the extracted body.
	rec.Title = "Renamed Survey"
	second := Render(rec, got)
	got2, ok := ExtractBody(second)
	if !ok {
		t.Fatal("notes markers missing after regeneration")
	}
	if strings.TrimRight(got2, "\n") != strings.TrimRight(userBody, "\n") {
		t.Errorf("body changed across regeneration:\n%q\nwant\n%q", got2, userBody)
	}
}

func TestExtractBody_MissingMarkers(t *testing.T) {
	if _, ok := ExtractBody("# Just a doc\nno markers here"); ok {
		t.Error("expected ok=false without markers")
	}
	if _, ok := ExtractBody(notesEnd + "\n" + notesBegin); ok {
		t.Error("expected ok=false for inverted markers")
	}
}

func TestParseHeader_ToleratesMalformedLines(t *testing.T) {
	text := strings.Join([]string{
		headerBegin,
		"title: Good Title",
		"this line has no colon and is skipped",
		": no key",
		"unknown_field: kept but ignored downstream",
		"author: A. Author",
		headerEnd,
	}, "\n")

	h := parseHeader(text)
	if h.fields["title"] != "Good Title" {
		t.Errorf("title = %q", h.fields["title"])
	}
	if h.fields["author"] != "A. Author" {
		t.Errorf("author = %q", h.fields["author"])
	}
}

func TestParseHeader_MissingHeader(t *testing.T) {
	h := parseHeader("# Doc\n\nNo machine header at all.\n")
	if len(h.fields) != 0 || len(h.tags) != 0 || len(h.references) != 0 {
		t.Errorf("expected empty result, got %+v", h)
	}
}

func TestParseHeader_ValueWithColons(t *testing.T) {
	text := headerBegin + "\nidentity_key: doi:10.1000/a:b\n" + headerEnd
	h := parseHeader(text)
	if h.fields["identity_key"] != "doi:10.1000/a:b" {
		t.Errorf("identity_key = %q", h.fields["identity_key"])
	}
}

func TestParseHeader_ListExitReprocessesLine(t *testing.T) {
	text := strings.Join([]string{
		headerBegin,
		"tags:",
		"  - one",
		"  - two",
		"year: 1999",
		headerEnd,
	}, "\n")

	h := parseHeader(text)
	if len(h.tags) != 2 {
		t.Fatalf("tags = %v", h.tags)
	}
	if h.fields["year"] != "1999" {
		t.Errorf("field after list lost: year = %q", h.fields["year"])
	}
}

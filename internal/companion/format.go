package companion

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/starford/refhub/internal/models"
)

// Marker lines. The header between headerBegin/headerEnd is machine-owned and
// regenerated wholesale; the region between notesBegin/notesEnd belongs to
// the user and must survive every regeneration byte-for-byte.
const (
	headerBegin = "<!-- refhub:begin -->"
	headerEnd   = "<!-- refhub:end -->"
	notesBegin  = "<!-- refhub:notes:begin -->"
	notesEnd    = "<!-- refhub:notes:end -->"
)

// defaultBody is emitted when a companion is generated fresh, with suggested
// subsection headings for the user to fill in.
const defaultBody = `## Summary

## Key Points

## Notes

## Quotes
`

// Render produces the full companion document for rec, inserting body
// between the notes markers. Pass an empty body to get the default skeleton.
func Render(rec *models.Record, body string) string {
	if body == "" {
		body = defaultBody
	}
	var b strings.Builder

	if rec.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", rec.Title)
	}

	b.WriteString(headerBegin + "\n")
	writeField(&b, "id", rec.ID)
	writeField(&b, "title", rec.Title)
	writeField(&b, "author", rec.Author)
	writeField(&b, "year", rec.Year)
	writeField(&b, "identity_key", rec.IdentityKey)
	writeField(&b, "publisher", rec.Publisher)
	writeField(&b, "tier", rec.Tier)
	writeField(&b, "file", rec.Path)
	writeField(&b, "file_name", rec.FileName)
	writeField(&b, "file_type", rec.FileType)
	if rec.Size > 0 {
		writeField(&b, "file_size", strconv.FormatInt(rec.Size, 10))
	}
	if !rec.CreatedAt.IsZero() {
		writeField(&b, "created", rec.CreatedAt.Format(time.RFC3339))
	}
	writeField(&b, "synced", time.Now().Format(time.RFC3339))
	writeField(&b, "reference_count", strconv.Itoa(len(rec.References)))
	if len(rec.Tags) > 0 {
		b.WriteString("tags:\n")
		for _, t := range rec.Tags {
			fmt.Fprintf(&b, "  - %s\n", t)
		}
	}
	if len(rec.References) > 0 {
		b.WriteString("references:\n")
		for _, ref := range rec.References {
			fmt.Fprintf(&b, "  - path: %s\n", ref.SourcePath)
			fmt.Fprintf(&b, "    name: %s\n", ref.SourceName)
			if ref.Line > 0 {
				fmt.Fprintf(&b, "    line: %d\n", ref.Line)
			}
			fmt.Fprintf(&b, "    strategy: %s\n", ref.Strategy)
			if ref.Context != "" {
				fmt.Fprintf(&b, "    context: %s\n", strconv.Quote(ref.Context))
			}
		}
	}
	if rec.Citation != "" {
		b.WriteString("citation: |\n")
		for _, line := range strings.Split(strings.TrimRight(rec.Citation, "\n"), "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	b.WriteString(headerEnd + "\n")

	b.WriteString("\n" + notesBegin + "\n")
	b.WriteString(strings.TrimRight(body, "\n") + "\n")
	b.WriteString(notesEnd + "\n")

	return b.String()
}

func writeField(b *strings.Builder, key, val string) {
	if val == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", key, val)
}

// ExtractBody returns the user-owned region between the notes markers, or
// ("", false) when the markers are absent or malformed.
func ExtractBody(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	start, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case notesBegin:
			if start < 0 {
				start = i
			}
		case notesEnd:
			if start >= 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	return strings.Join(lines[start+1:end], "\n"), true
}

// Header parser states. The header is a human-readable, line-oriented block
// parsed by an explicit state machine: tolerant of unknown and malformed
// lines, never fatal.
type parseState int

const (
	stOutside parseState = iota
	stHeader
	stTags
	stRefs
	stCitation
)

// parsedHeader is the raw result of scanning a header block.
type parsedHeader struct {
	fields     map[string]string
	tags       []string
	references []models.ReferenceEntry
	citation   string
}

// parseHeader scans text for the machine header and returns the parsed
// fields. Missing header yields an empty result, not an error.
func parseHeader(text string) parsedHeader {
	out := parsedHeader{fields: make(map[string]string)}
	state := stOutside
	var citation []string

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if state == stOutside {
			if trimmed == headerBegin {
				state = stHeader
			}
			continue
		}
		if trimmed == headerEnd {
			break
		}

		switch state {
		case stTags:
			if item, ok := listItem(line); ok {
				if item != "" {
					out.tags = append(out.tags, item)
				}
				continue
			}
			state = stHeader
			i-- // reprocess in header state
		case stRefs:
			if handled := consumeRefLine(&out, line); handled {
				continue
			}
			state = stHeader
			i--
		case stCitation:
			if strings.HasPrefix(line, "  ") {
				citation = append(citation, line[2:])
				continue
			}
			if trimmed == "" {
				citation = append(citation, "")
				continue
			}
			state = stHeader
			i--
		case stHeader:
			switch {
			case trimmed == "tags:":
				state = stTags
			case trimmed == "references:":
				state = stRefs
			case trimmed == "citation: |":
				state = stCitation
			default:
				key, val, ok := splitField(line)
				if ok {
					out.fields[key] = val
				}
				// Malformed lines are skipped.
			}
		}
	}

	// Drop trailing blank lines the citation block may have swallowed.
	for len(citation) > 0 && citation[len(citation)-1] == "" {
		citation = citation[:len(citation)-1]
	}
	out.citation = strings.Join(citation, "\n")
	return out
}

// listItem matches "  - value" lines inside a nested list.
func listItem(line string) (string, bool) {
	line = strings.TrimRight(line, " \r")
	if strings.HasPrefix(line, "  - ") {
		return strings.TrimSpace(line[4:]), true
	}
	if line == "  -" {
		return "", true
	}
	return "", false
}

// consumeRefLine handles one line inside the references list. "  - path: x"
// opens a new entry; "    key: value" fills the current one.
func consumeRefLine(out *parsedHeader, line string) bool {
	switch {
	case strings.HasPrefix(line, "  - "):
		key, val, ok := splitField(line[4:])
		if !ok {
			return true // malformed entry opener, skip
		}
		entry := models.ReferenceEntry{}
		assignRefField(&entry, key, val)
		out.references = append(out.references, entry)
		return true
	case strings.HasPrefix(line, "    "):
		if len(out.references) == 0 {
			return true
		}
		key, val, ok := splitField(line[4:])
		if !ok {
			return true
		}
		assignRefField(&out.references[len(out.references)-1], key, val)
		return true
	}
	return false
}

func assignRefField(e *models.ReferenceEntry, key, val string) {
	switch key {
	case "path":
		e.SourcePath = val
	case "name":
		e.SourceName = val
	case "line":
		if n, err := strconv.Atoi(val); err == nil {
			e.Line = n
		}
	case "strategy":
		e.Strategy = val
	case "context":
		if unq, err := strconv.Unquote(val); err == nil {
			e.Context = unq
		} else {
			e.Context = val
		}
	}
}

// splitField splits "key: value" at the first colon. Keys are single
// lowercase identifiers; values keep any further colons intact.
func splitField(line string) (string, string, bool) {
	line = strings.TrimRight(strings.TrimPrefix(line, "\t"), " \r")
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimSpace(line[i+1:]), true
}

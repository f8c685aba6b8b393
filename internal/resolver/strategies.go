package resolver

import (
	"regexp"
	"sort"
	"strings"

	"github.com/starford/refhub/internal/models"
)

// match is one raw strategy hit: a 1-based line and, for text scans, a byte
// offset into the body (-1 for structural links, whose context is line-based).
type match struct {
	line int
	off  int
}

// scanLinks consults the document's structural link/embed index: a match
// exists when any target equals the record's file name or primary path.
func (d *Document) scanLinks(rec *models.Record) []match {
	var out []match
	for _, l := range d.links {
		if l.Target == rec.FileName || l.Target == rec.Path {
			out = append(out, match{line: l.Line, off: -1})
		}
	}
	return out
}

// scanIdentityKey does a literal, case-insensitive search for the non-empty
// identity key in the full document text.
func (d *Document) scanIdentityKey(rec *models.Record) []match {
	key := strings.TrimSpace(rec.IdentityKey)
	if key == "" {
		return nil
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(key))
	if err != nil {
		return nil
	}
	return d.scanPattern(re)
}

// scanFilename does a word-boundary search for the file name with its
// extension stripped.
func (d *Document) scanFilename(rec *models.Record) []match {
	stem := rec.Stem()
	if stem == "" {
		return nil
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(stem) + `\b`)
	if err != nil {
		return nil
	}
	return d.scanPattern(re)
}

// scanTitleKeywords splits the title on whitespace, drops short words and
// stop words, searches each remaining word independently, and unions the
// matches.
func (d *Document) scanTitleKeywords(rec *models.Record) []match {
	var out []match
	for _, word := range strings.Fields(rec.Title) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if len(word) <= 3 {
			continue
		}
		if _, stop := stopWords[strings.ToLower(word)]; stop {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			continue
		}
		out = append(out, d.scanPattern(re)...)
	}
	return out
}

// scanAuthor normalizes separators and initials punctuation in the author
// string to spaces and searches the result as one phrase.
func (d *Document) scanAuthor(rec *models.Record) []match {
	author := strings.NewReplacer(",", " ", ";", " ", "&", " ", "/", " ", ".", " ").Replace(rec.Author)
	author = squeezeWS.ReplaceAllString(strings.TrimSpace(author), " ")
	if author == "" {
		return nil
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(author) + `\b`)
	if err != nil {
		return nil
	}
	return d.scanPattern(re)
}

// scanPattern returns a match for every occurrence of re in the body.
func (d *Document) scanPattern(re *regexp.Regexp) []match {
	var out []match
	for _, loc := range re.FindAllStringIndex(d.body, -1) {
		out = append(out, match{line: d.lineAt(loc[0]), off: loc[0]})
	}
	return out
}

// entries deduplicates matches by line number and converts them into ordered
// reference entries with context snippets.
func (d *Document) entries(matches []match, strategyTag string) []models.ReferenceEntry {
	byLine := make(map[int]match)
	for _, m := range matches {
		existing, ok := byLine[m.line]
		if !ok || (m.off >= 0 && existing.off >= 0 && m.off < existing.off) {
			byLine[m.line] = m
		}
	}

	lines := make([]int, 0, len(byLine))
	for line := range byLine {
		lines = append(lines, line)
	}
	sort.Ints(lines)

	out := make([]models.ReferenceEntry, 0, len(lines))
	for _, line := range lines {
		m := byLine[line]
		ctx := ""
		if m.off >= 0 {
			ctx = d.contextAt(m.off)
		} else {
			ctx = d.contextAround(line)
		}
		out = append(out, models.ReferenceEntry{
			SourcePath: d.Path,
			SourceName: d.Name,
			Line:       line,
			Context:    ctx,
			Strategy:   strategyTag,
		})
	}
	return out
}

// contextAt takes a fixed character radius around a body offset, trims it,
// and collapses internal whitespace to single spaces.
func (d *Document) contextAt(off int) string {
	lo := off - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := off + contextRadius
	if hi > len(d.body) {
		hi = len(d.body)
	}
	return normalizeSnippet(d.body[lo:hi])
}

// contextAround joins the lines around a 1-based line number.
func (d *Document) contextAround(line int) string {
	lo := line - 1 - contextLines
	if lo < 0 {
		lo = 0
	}
	hi := line - 1 + contextLines + 1
	if hi > len(d.lines) {
		hi = len(d.lines)
	}
	return normalizeSnippet(strings.Join(d.lines[lo:hi], " "))
}

func normalizeSnippet(s string) string {
	return strings.TrimSpace(squeezeWS.ReplaceAllString(s, " "))
}

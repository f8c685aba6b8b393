package companion

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/starford/refhub/internal/models"
)

// DefaultTemplate co-locates the companion document with the primary file.
const DefaultTemplate = "{{folder}}/{{filename}}.md"

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-z0-9_]+)\}\}`)
	reservedRe    = regexp.MustCompile(`[<>:"\\|?*\x00-\x1f]`)
	squeezeRe     = regexp.MustCompile(`[ \t]+`)
	underscoreRe  = regexp.MustCompile(`_{2,}`)
)

// ResolvePath expands template placeholders against the record and sanitizes
// the result into a safe cross-platform vault-relative path ending in .md.
//
// Supported placeholders: folder, filename, title, author, year, filetype,
// identitykey, publisher, tier, date, time, yyyy, mm, dd.
func ResolvePath(rec *models.Record, template string) string {
	if template == "" {
		template = DefaultTemplate
	}
	now := time.Now()

	expanded := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		switch placeholderRe.FindStringSubmatch(m)[1] {
		case "folder":
			dir := path.Dir(rec.Path)
			if dir == "." {
				return ""
			}
			return dir
		case "filename":
			return rec.Stem()
		case "title":
			return rec.Title
		case "author":
			return rec.Author
		case "year":
			return rec.Year
		case "filetype":
			return rec.FileType
		case "identitykey":
			return rec.IdentityKey
		case "publisher":
			return rec.Publisher
		case "tier":
			return rec.Tier
		case "date":
			return now.Format("2006-01-02")
		case "time":
			return now.Format("150405")
		case "yyyy":
			return now.Format("2006")
		case "mm":
			return now.Format("01")
		case "dd":
			return now.Format("02")
		}
		return ""
	})

	// Sanitize each segment independently so directory separators survive.
	segs := strings.Split(path.Clean(expanded), "/")
	out := segs[:0]
	for _, seg := range segs {
		seg = sanitizeSegment(seg)
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, seg)
	}
	result := strings.Join(out, "/")
	if result == "" {
		result = sanitizeSegment(rec.Stem())
	}
	if !strings.HasSuffix(result, ".md") {
		result += ".md"
	}
	return result
}

// sanitizeSegment strips reserved characters, collapses runs of whitespace
// and underscores, and trims edge separators from one path segment.
func sanitizeSegment(seg string) string {
	seg = reservedRe.ReplaceAllString(seg, "")
	seg = squeezeRe.ReplaceAllString(seg, " ")
	seg = underscoreRe.ReplaceAllString(seg, "_")
	seg = strings.Trim(seg, " ._-")
	return seg
}

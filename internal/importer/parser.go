package importer

// parser.go turns one raw Markdown file into a normalized ParsedContent.
//
// Parsing is pure: no I/O, no storage lookups. The file is split into a
// YAML frontmatter block and the document body, known metadata fields are
// lifted (accepting common synonyms), and everything unrecognized lands in
// ParsedContent.Extra. Semantic validation (bounds, date ranges, duplicate
// policy) happens later in validator.go.

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WordsPerMinute is the reading speed used to derive ReadingTime.
const WordsPerMinute = 200

// DefaultSummaryLength is the truncation limit for generated summaries.
const DefaultSummaryLength = 200

var (
	frontmatterDelim = regexp.MustCompile(`^-{3,}\s*$`)
	headingLine      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	slugPattern      = regexp.MustCompile(`^[a-z0-9-]+$`)

	// Markdown constructs stripped when generating a summary.
	mdCodeFence = regexp.MustCompile("(?s)```.*?```")
	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis  = regexp.MustCompile("[*_~`]+")
	mdQuote     = regexp.MustCompile(`(?m)^>\s?`)
	mdSpace     = regexp.MustCompile(`\s+`)
)

// keys the parser lifts into ParsedContent; anything else goes to Extra.
var knownFrontmatterKeys = map[string]bool{
	"title": true, "summary": true, "description": true, "excerpt": true,
	"slug": true, "tags": true, "category": true, "categories": true,
	"coverimage": true, "cover": true, "image": true,
	"metadescription": true, "keywords": true, "metakeywords": true,
	"socialimage": true, "ogimage": true,
	"status": true, "published": true,
	"featured": true, "isfeatured": true,
	"top": true, "istop": true, "pinned": true,
	"allowcomment": true, "allowcomments": true, "comments": true,
	"weight": true, "publishedat": true, "date": true,
	"createdat": true, "created": true, "updatedat": true, "updated": true,
}

// IsSupportedExtension reports whether the file name has a Markdown
// extension the pipeline accepts.
func IsSupportedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Parse converts one Markdown file into a normalized ParsedContent.
// The returned outcome carries hard errors (missing title, empty body,
// unparseable frontmatter) and non-blocking warnings (summary or slug
// absent and to be synthesized downstream).
func Parse(content, filePath string) ValidationOutcome {
	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return ValidationOutcome{Errors: []string{fmt.Sprintf("invalid frontmatter: %v", err)}}
	}

	outcome := ValidationOutcome{}
	body = strings.TrimSpace(body)

	title := firstString(meta, "title")
	if title == "" {
		if m := headingLine.FindStringSubmatch(body); m != nil {
			title = strings.TrimSpace(m[1])
		}
	}
	if title == "" {
		base := filepath.Base(filePath)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if title == "" {
		outcome.Errors = append(outcome.Errors, "missing title")
	}
	if body == "" {
		outcome.Errors = append(outcome.Errors, "content is empty")
	}
	if len(outcome.Errors) > 0 {
		return outcome
	}

	parsed := &ParsedContent{
		Title:           title,
		Content:         body,
		Summary:         firstString(meta, "summary", "description", "excerpt"),
		Slug:            firstString(meta, "slug"),
		Tags:            stringSet(meta, "tags"),
		Category:        firstString(meta, "category", "categories"),
		CoverImage:      firstString(meta, "coverImage", "cover", "image"),
		MetaDescription: firstString(meta, "metaDescription"),
		MetaKeywords:    stringSet(meta, "keywords", "metaKeywords"),
		SocialImage:     firstString(meta, "socialImage", "ogImage"),
		Status:          parseStatus(meta),
		IsFeatured:      anyBool(meta, "featured", "isFeatured"),
		IsTop:           anyBool(meta, "top", "isTop", "pinned"),
		AllowComment:    boolOrDefault(meta, true, "allowComment", "allowComments", "comments"),
		Weight:          intValue(meta, "weight"),
		PublishedAt:     firstTime(meta, "publishedAt", "date"),
		CreatedAt:       firstTime(meta, "createdAt", "created"),
		UpdatedAt:       firstTime(meta, "updatedAt", "updated"),
		ReadingTime:     readingTime(body),
		Extra:           extraKeys(meta),
	}

	if parsed.Summary == "" {
		outcome.Warnings = append(outcome.Warnings, "no summary provided, one will be generated from the body")
	}
	if parsed.Slug == "" {
		outcome.Warnings = append(outcome.Warnings, "no slug provided, one will be generated from the title")
	}

	outcome.Valid = true
	outcome.Data = parsed
	return outcome
}

// splitFrontmatter separates the leading YAML block (between --- lines)
// from the document body. Files without frontmatter are all body.
func splitFrontmatter(content string) (map[string]any, string, error) {
	content = strings.TrimPrefix(content, "\ufeff")
	lines := strings.SplitAfter(content, "\n")
	if len(lines) == 0 || !frontmatterDelim.MatchString(strings.TrimRight(lines[0], "\r\n")) {
		return map[string]any{}, content, nil
	}

	for i := 1; i < len(lines); i++ {
		if !frontmatterDelim.MatchString(strings.TrimRight(lines[i], "\r\n")) {
			continue
		}
		block := strings.Join(lines[1:i], "")
		meta := map[string]any{}
		if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
			return nil, "", err
		}
		if meta == nil {
			meta = map[string]any{}
		}
		return meta, strings.Join(lines[i+1:], ""), nil
	}

	// Opening delimiter with no closing one: treat the whole file as body.
	return map[string]any{}, content, nil
}

// GenerateSummary strips Markdown markup from content and truncates the
// plain text to maxLen runes, appending an ellipsis when cut.
func GenerateSummary(content string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSummaryLength
	}

	text := mdCodeFence.ReplaceAllString(content, " ")
	text = mdImage.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "")
	text = strings.TrimSpace(mdSpace.ReplaceAllString(text, " "))

	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

// Slugify derives a URL-safe slug from a title. Returns "" when the title
// has no ASCII-representable characters; callers fall back to a generated id.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// ValidSlug reports whether s matches the slug grammar ^[a-z0-9-]+$.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// readingTime derives minutes from word count, rounded up. Never taken
// from frontmatter.
func readingTime(body string) int {
	words := len(strings.Fields(body))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / WordsPerMinute))
}

// lookup returns the raw frontmatter value for a key, case-insensitively.
func lookup(meta map[string]any, key string) (any, bool) {
	if v, ok := meta[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	for k, v := range meta {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return nil, false
}

// firstString returns the first present string-typed value among keys.
func firstString(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := lookup(meta, key); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// stringSet accepts a native list or a comma-separated string and returns a
// deduplicated, trimmed set preserving first-seen order.
func stringSet(meta map[string]any, keys ...string) []string {
	for _, key := range keys {
		v, ok := lookup(meta, key)
		if !ok {
			continue
		}
		var raw []string
		switch val := v.(type) {
		case string:
			raw = strings.Split(val, ",")
		case []any:
			for _, item := range val {
				raw = append(raw, fmt.Sprint(item))
			}
		case []string:
			raw = val
		default:
			continue
		}

		seen := make(map[string]bool, len(raw))
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			item = strings.TrimSpace(item)
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// parseStatus resolves publication status: an explicit valid status wins,
// then a published flag, then draft.
func parseStatus(meta map[string]any) ContentStatus {
	switch ContentStatus(strings.ToLower(firstString(meta, "status"))) {
	case ContentDraft:
		return ContentDraft
	case ContentPublished:
		return ContentPublished
	case ContentArchived:
		return ContentArchived
	}
	if v, ok := lookup(meta, "published"); ok {
		if b, ok := coerceBool(v); ok && b {
			return ContentPublished
		}
		return ContentDraft
	}
	return ContentDraft
}

// anyBool ORs boolean convenience flags across synonym keys.
func anyBool(meta map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := lookup(meta, key); ok {
			if b, ok := coerceBool(v); ok && b {
				return true
			}
		}
	}
	return false
}

// boolOrDefault returns the first coercible boolean, else def.
func boolOrDefault(meta map[string]any, def bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := lookup(meta, key); ok {
			if b, ok := coerceBool(v); ok {
				return b
			}
		}
	}
	return def
}

func coerceBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	case int:
		return val != 0, true
	}
	return false, false
}

func intValue(meta map[string]any, key string) int {
	v, ok := lookup(meta, key)
	if !ok {
		return 0
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// firstTime returns the first coercible timestamp among keys. Invalid or
// unparseable dates become nil; range checks happen in ValidateDates.
func firstTime(meta map[string]any, keys ...string) *time.Time {
	for _, key := range keys {
		if v, ok := lookup(meta, key); ok {
			if t, ok := coerceTime(v); ok {
				return &t
			}
		}
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

func coerceTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case int:
		return epochTime(int64(val)), true
	case int64:
		return epochTime(val), true
	case float64:
		return epochTime(int64(val)), true
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// epochTime interprets large values as milliseconds, small ones as seconds.
func epochTime(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// extraKeys collects frontmatter entries the pipeline does not recognize.
func extraKeys(meta map[string]any) map[string]any {
	var extra map[string]any
	for k, v := range meta {
		if knownFrontmatterKeys[strings.ToLower(k)] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

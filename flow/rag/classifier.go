// Package rag assembles and security-filters the contextual knowledge a
// generation call is allowed to see. The pipeline is a pure transform over
// its adapter inputs: retrieve, classify, filter, merge. Nothing that fails
// classification ever reaches a prompt; on internal failure the pipeline
// fails closed to an empty context.
package rag

import "regexp"

// Level is a security classification level, ordered by sensitivity.
type Level string

const (
	LevelPublic       Level = "PUBLIC"
	LevelInternal     Level = "INTERNAL"
	LevelConfidential Level = "CONFIDENTIAL"
	LevelRestricted   Level = "RESTRICTED"
)

// rank orders levels for max-wins merging of marker hits.
func (l Level) rank() int {
	switch l {
	case LevelRestricted:
		return 3
	case LevelConfidential:
		return 2
	case LevelInternal:
		return 1
	default:
		return 0
	}
}

// Classification is the result of inspecting one piece of text. Computed
// per user turn and per retrieved snippet; never cached across turns.
type Classification struct {
	Level       Level
	PIIDetected bool
	Tags        []string
}

// Marker is one classification rule: a pattern, the level it implies, and
// whether a hit counts as PII.
type Marker struct {
	Tag     string
	Level   Level
	PII     bool
	Pattern *regexp.Regexp
}

// Redactor replaces a PII pattern with a placeholder instead of dropping
// the surrounding text.
type Redactor struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Classifier inspects text for sensitivity markers and PII patterns using
// a regex table. It is deliberately a narrow, isolated strategy: a future
// statistical classifier can replace it behind the same two methods
// without touching the dispatcher or pipeline.
type Classifier struct {
	markers   []Marker
	redactors []Redactor
}

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+?\d{1,3}[\s.\-]?)?(?:\(\d{3}\)|\d{3})[\s.\-]\d{3}[\s.\-]\d{4}`)
	reGovID = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	reRestricted   = regexp.MustCompile(`(?i)\b(restricted|top secret|do not distribute)\b`)
	reConfidential = regexp.MustCompile(`(?i)\b(confidential|nda|under embargo)\b`)
	reInternal     = regexp.MustCompile(`(?i)\b(internal(?:[\s-]only)?|draft[\s-]only)\b`)
)

// NewClassifier returns a classifier with the default marker and redaction
// tables: email / phone / government-ID PII patterns plus textual
// sensitivity markers.
func NewClassifier() *Classifier {
	return &Classifier{
		markers: []Marker{
			{Tag: "restricted-marker", Level: LevelRestricted, Pattern: reRestricted},
			{Tag: "confidential-marker", Level: LevelConfidential, Pattern: reConfidential},
			{Tag: "internal-marker", Level: LevelInternal, Pattern: reInternal},
			{Tag: "email", Level: LevelInternal, PII: true, Pattern: reEmail},
			{Tag: "phone", Level: LevelInternal, PII: true, Pattern: rePhone},
			{Tag: "gov-id", Level: LevelConfidential, PII: true, Pattern: reGovID},
		},
		redactors: []Redactor{
			{Pattern: reEmail, Replacement: "[EMAIL_REDACTED]"},
			{Pattern: rePhone, Replacement: "[PHONE_REDACTED]"},
			{Pattern: reGovID, Replacement: "[ID_REDACTED]"},
		},
	}
}

// NewClassifierWithTable returns a classifier with a custom rule set.
func NewClassifierWithTable(markers []Marker, redactors []Redactor) *Classifier {
	return &Classifier{markers: markers, redactors: redactors}
}

// Classify inspects text and returns its classification. The level is the
// highest any marker implies; PIIDetected is set if any PII marker hits.
func (c *Classifier) Classify(text string) Classification {
	out := Classification{Level: LevelPublic}
	for _, m := range c.markers {
		if !m.Pattern.MatchString(text) {
			continue
		}
		out.Tags = append(out.Tags, m.Tag)
		if m.PII {
			out.PIIDetected = true
		}
		if m.Level.rank() > out.Level.rank() {
			out.Level = m.Level
		}
	}
	return out
}

// Redact replaces every PII pattern occurrence with its placeholder and
// returns the redacted text with the replacement count.
func (c *Classifier) Redact(text string) (string, int) {
	n := 0
	for _, r := range c.redactors {
		text = r.Pattern.ReplaceAllStringFunc(text, func(string) string {
			n++
			return r.Replacement
		})
	}
	return text, n
}

// Package sanitize canonicalizes untrusted email content and extracts the
// structural signals risk assessment depends on: removed hidden content,
// encoding normalization, script mixing, bidi abuse, links and quotes.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"github.com/dortort/openclaw-mailguard/internal/script"
)

const (
	// DefaultMaxLength is the body budget in runes when none is given.
	DefaultMaxLength = 50000
	// MaxRawBytes caps the input accepted before any processing.
	MaxRawBytes = 4 << 20
	// TruncationMarker is appended to truncated bodies and counts toward the budget.
	TruncationMarker = "\n\n[Content truncated]"
)

// RawContent is the untrusted input. An empty string means absent; HTML is
// preferred when both are present.
type RawContent struct {
	HTML      string
	Plain     string
	MaxLength int
}

// Result is the canonical form of one message body.
type Result struct {
	BodyText             string                `json:"body_text"`
	QuotedBlocks         []QuotedBlock         `json:"quoted_blocks,omitempty"`
	Links                []Link                `json:"links,omitempty"`
	HiddenContentRemoved bool                  `json:"hidden_content_removed"`
	EncodingNormalized   bool                  `json:"encoding_normalized"`
	Truncated            bool                  `json:"truncated"`
	Scripts              script.Analysis       `json:"scripts"`
	BiDi                 script.BiDiAnalysis   `json:"bidi"`
	Language             script.LanguageResult `json:"language"`
	OriginalLength       int                   `json:"original_length"`
	SanitizedLength      int                   `json:"sanitized_length"`
}

// QuotedText joins the content of every quoted block.
func (r Result) QuotedText() string {
	parts := make([]string, 0, len(r.QuotedBlocks))
	for _, q := range r.QuotedBlocks {
		if q.Content != "" {
			parts = append(parts, q.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// SuspiciousLinks returns the links flagged with at least one reason.
func (r Result) SuspiciousLinks() []Link {
	var out []Link
	for _, l := range r.Links {
		if l.Suspicious {
			out = append(out, l)
		}
	}
	return out
}

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Sanitize runs the full canonicalization pipeline. It never fails: malformed
// input degrades to the safest available interpretation.
func Sanitize(in RawContent) Result {
	maxLen := in.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	raw, isHTML := in.Plain, false
	if in.HTML != "" {
		raw, isHTML = in.HTML, true
	}
	res := Result{OriginalLength: utf8.RuneCountInString(raw)}

	raw = capBytes(raw, MaxRawBytes)
	raw = strings.ToValidUTF8(raw, "\uFFFD")
	raw = lineEndings.Replace(raw)

	text := raw
	var htmlLinks []string
	if isHTML {
		htmlLinks = extractHrefs(raw)
		var removed bool
		text, removed = stripHTML(raw)
		res.HiddenContentRemoved = removed
	}

	res.Scripts = script.AnalyzeText(text)
	res.BiDi = script.AnalyzeBiDi(text)
	res.Language = script.DetectLanguage(text)

	// Stripped before NFKC so a second pass composes identically.
	var stripped bool
	text, stripped = stripInvisible(text, res.BiDi.HasSuspicious)
	if stripped {
		res.HiddenContentRemoved = true
	}

	text, res.EncodingNormalized = normalizeEncoding(text)

	text = collapseWhitespace(text)

	var primary string
	primary, res.QuotedBlocks = partitionQuotes(text)

	// Dominance is judged on the visible body only; quoted history and the
	// truncated tail must not decide how the body is folded.
	visible, _ := truncate(primary, maxLen)
	if folded := foldLookalikes(primary, visible); folded != primary {
		primary = folded
		res.EncodingNormalized = true
	}
	for i := range res.QuotedBlocks {
		b := &res.QuotedBlocks[i]
		if folded := foldLookalikes(b.Content, b.Content); folded != b.Content {
			b.Content = folded
			res.EncodingNormalized = true
		}
	}

	res.Links = mergeLinks(htmlLinks, extractTextLinks(primary))

	res.BodyText, res.Truncated = truncate(primary, maxLen)
	res.SanitizedLength = utf8.RuneCountInString(res.BodyText)
	return res
}

func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// truncate cuts text to maxLen runes including the marker, breaking at the
// last space inside the final fifth of the budget when there is one.
func truncate(text string, maxLen int) (string, bool) {
	if utf8.RuneCountInString(text) <= maxLen {
		return text, false
	}
	runes := []rune(text)
	markerLen := utf8.RuneCountInString(TruncationMarker)
	if maxLen <= markerLen {
		return strings.TrimSpace(string(runes[:maxLen])), true
	}
	budget := maxLen - markerLen
	cut := budget
	floor := budget - budget/5
	for i := budget - 1; i >= floor && i > 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	body := strings.TrimSpace(string(runes[:cut]))
	return body + TruncationMarker, true
}

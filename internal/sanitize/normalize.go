package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/dortort/openclaw-mailguard/internal/script"
)

var (
	hspaceRe  = regexp.MustCompile(`[ \t]{3,}`)
	newlineRe = regexp.MustCompile(`\n{4,}`)
)

// invisible covers zero-width characters, soft hyphen, word joiners, BOM,
// variation selectors and the Tags block.
var invisible = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00AD, Hi: 0x00AD, Stride: 1},
		{Lo: 0x180E, Hi: 0x180E, Stride: 1},
		{Lo: 0x200B, Hi: 0x200D, Stride: 1},
		{Lo: 0x2028, Hi: 0x2029, Stride: 1},
		{Lo: 0x2060, Hi: 0x2064, Stride: 1},
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0xE0000, Hi: 0xE007F, Stride: 1},
		{Lo: 0xE0100, Hi: 0xE01EF, Stride: 1},
	},
}

func isStripped(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	if r < 0x20 || (r >= 0x7F && r <= 0x9F) {
		return true
	}
	return unicode.Is(invisible, r)
}

// normalizeEncoding applies NFKC and folds every word that mixes Latin with
// another script.
func normalizeEncoding(text string) (string, bool) {
	n := norm.NFKC.String(text)
	folded := foldWords(n, mixesLatin)
	return folded, folded != text
}

// foldLookalikes folds words made only of confusable letters when context is
// Latin-dominant. Context is the text that ends up in front of the reader, so
// legitimate Cyrillic or Greek prose is kept intact and the decision does not
// move when the output is sanitized again.
func foldLookalikes(text, context string) string {
	if !latinDominant(strings.TrimSuffix(context, TruncationMarker)) {
		return text
	}
	return foldWords(text, allConfusable)
}

func foldWords(text string, want func(string) bool) string {
	words := script.Words(text)
	var b strings.Builder
	last := 0
	changed := false
	for _, w := range words {
		if !want(w.Text) {
			continue
		}
		f := script.FoldConfusables(w.Text)
		if f == w.Text {
			continue
		}
		b.WriteString(text[last:w.Start])
		b.WriteString(f)
		last = w.End
		changed = true
	}
	if !changed {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func mixesLatin(word string) bool {
	latin, other := false, false
	for _, r := range word {
		s, ok := script.ClassifyScript(r)
		if !ok {
			continue
		}
		if s == script.Latin {
			latin = true
		} else {
			other = true
		}
	}
	return latin && other
}

func allConfusable(word string) bool {
	letters := 0
	for _, r := range word {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !script.IsConfusable(r) {
			return false
		}
	}
	return letters > 0
}

func latinDominant(text string) bool {
	latin, other := 0, 0
	for _, r := range text {
		s, ok := script.ClassifyScript(r)
		if !ok {
			continue
		}
		if s == script.Latin {
			latin++
		} else {
			other++
		}
	}
	return latin > other
}

// stripInvisible removes zero-width characters, controls and line/paragraph
// separators. Bidi controls are removed too when dropBiDi is set.
func stripInvisible(text string, dropBiDi bool) (string, bool) {
	removed := false
	out := strings.Map(func(r rune) rune {
		if isStripped(r) {
			removed = true
			return -1
		}
		if dropBiDi && script.IsBiDiControl(r) {
			return -1
		}
		return r
	}, text)
	return out, removed
}

func collapseWhitespace(text string) string {
	text = hspaceRe.ReplaceAllString(text, "  ")
	text = newlineRe.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}

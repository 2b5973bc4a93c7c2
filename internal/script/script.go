// Package script classifies Unicode code points into script buckets and
// detects cross-script (homoglyph) mixing, bidirectional override abuse and
// the dominant language of a text.
package script

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Script is a coarse Unicode script bucket.
type Script string

const (
	Latin    Script = "latin"
	Cyrillic Script = "cyrillic"
	Greek    Script = "greek"
	Armenian Script = "armenian"
	Cherokee Script = "cherokee"
	Hebrew   Script = "hebrew"
	Arabic   Script = "arabic"
	Han      Script = "han"
	Hangul   Script = "hangul"
	Kana     Script = "kana"
	Math     Script = "math"
)

// TargetWords are brand and credential words commonly disguised with homoglyphs.
var TargetWords = []string{
	"paypal", "google", "microsoft", "amazon", "apple",
	"password", "login", "account", "verify", "secure",
}

// ClassifyScript maps r to its script bucket. Digits, punctuation and other
// common-script runes return false.
func ClassifyScript(r rune) (Script, bool) {
	switch {
	case r >= 0x1D400 && r <= 0x1D7FF:
		return Math, true
	case r < 0x80:
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return Latin, true
		}
		return "", false
	case unicode.Is(unicode.Latin, r):
		return Latin, true
	case unicode.Is(unicode.Cyrillic, r):
		return Cyrillic, true
	case unicode.Is(unicode.Greek, r):
		return Greek, true
	case unicode.Is(unicode.Armenian, r):
		return Armenian, true
	case unicode.Is(unicode.Cherokee, r):
		return Cherokee, true
	case unicode.Is(unicode.Hebrew, r):
		return Hebrew, true
	case unicode.Is(unicode.Arabic, r):
		return Arabic, true
	case unicode.Is(unicode.Han, r):
		return Han, true
	case unicode.Is(unicode.Hangul, r):
		return Hangul, true
	case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
		return Kana, true
	}
	return "", false
}

// family collapses the east-asian scripts into one bucket: Japanese words
// legitimately mix kanji and kana.
func family(s Script) Script {
	switch s {
	case Han, Hangul, Kana:
		return "cjk"
	}
	return s
}

// MixedScriptFinding describes one word that mixes scripts.
type MixedScriptFinding struct {
	Word       string   `json:"word"`
	Scripts    []Script `json:"scripts"`
	Confidence float64  `json:"confidence"`
	TargetWord string   `json:"target_word,omitempty"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
}

// Analysis aggregates the mixed-script findings of a text.
type Analysis struct {
	Findings     []MixedScriptFinding `json:"findings,omitempty"`
	Score        int                  `json:"score"`
	IsSuspicious bool                 `json:"is_suspicious"`
}

// AnalyzeWordScripts returns a finding when word contains at least two
// distinct non-common script families, nil otherwise.
func AnalyzeWordScripts(word string) *MixedScriptFinding {
	runes := []rune(word)
	if len(runes) < 2 {
		return nil
	}

	var seq []Script
	present := make(map[Script]bool)
	var order []Script
	for _, r := range runes {
		s, ok := ClassifyScript(r)
		if !ok {
			continue
		}
		f := family(s)
		seq = append(seq, f)
		if !present[f] {
			present[f] = true
			order = append(order, s)
		}
	}
	if len(present) < 2 {
		return nil
	}

	conf := 0.5
	if present[Latin] {
		switch {
		case present[Cyrillic]:
			conf = 0.9
		case present[Greek]:
			conf = 0.85
		case present[Math]:
			conf = 0.75
		}
	}

	if len(present) == 2 && len(runes) <= 10 {
		alternations := 0
		for i := 1; i < len(seq); i++ {
			if seq[i] != seq[i-1] {
				alternations++
			}
		}
		if alternations >= 3 {
			conf = math.Min(1.0, conf+0.1)
		}
	}

	f := &MixedScriptFinding{Word: word, Scripts: order, Confidence: conf}
	if t := matchTargetWord(word); t != "" {
		f.TargetWord = t
		f.Confidence = math.Min(1.0, f.Confidence+0.2)
	}
	return f
}

func matchTargetWord(word string) string {
	folded := strings.ToLower(FoldConfusables(norm.NFKC.String(word)))
	for _, t := range TargetWords {
		if strings.Contains(folded, t) {
			return t
		}
	}
	return ""
}

// AnalyzeText runs AnalyzeWordScripts on every word of text.
func AnalyzeText(text string) Analysis {
	var a Analysis
	for _, w := range Words(text) {
		f := AnalyzeWordScripts(w.Text)
		if f == nil {
			continue
		}
		f.Start, f.End = w.Start, w.End
		a.Findings = append(a.Findings, *f)
	}
	n := len(a.Findings)
	if n == 0 {
		return a
	}

	var sum float64
	targets := 0
	for _, f := range a.Findings {
		sum += f.Confidence
		if f.TargetWord != "" {
			targets++
		}
	}
	mean := sum / float64(n)
	score := int(math.Round(15*float64(n) + 40*mean))
	if score > 100 {
		score = 100
	}
	score += 20 * targets
	if score > 100 {
		score = 100
	}
	a.Score = score
	a.IsSuspicious = score >= 25 || n > 0
	return a
}

// Word is a maximal run of letters, numbers and marks with its byte offsets.
type Word struct {
	Text  string
	Start int
	End   int
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r)
}

// Words splits text on letter/number boundaries.
func Words(text string) []Word {
	var out []Word
	start := -1
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, Word{Text: text[start:i], Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Word{Text: text[start:], Start: start, End: len(text)})
	}
	return out
}

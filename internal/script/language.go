package script

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Unknown is reported when no language scores high enough.
const Unknown = "unknown"

const minDetectRunes = 20

// LanguageResult is the outcome of DetectLanguage.
type LanguageResult struct {
	Language            string  `json:"language"`
	Confidence          float64 `json:"confidence"`
	Secondary           string  `json:"secondary,omitempty"`
	SecondaryConfidence float64 `json:"secondary_confidence,omitempty"`
}

// scriptHints short-circuits detection for scripts used by one main language.
var scriptHints = map[Script]string{
	Cyrillic: "ru",
	Arabic:   "ar",
	Hangul:   "ko",
	Greek:    "el",
	Hebrew:   "he",
}

// Top trigrams per language, most frequent first. A space marks a word edge.
var trigramProfiles = map[string][]string{
	"en": {" th", "the", "he ", " an", "and", "nd ", " to", "to ", " of", "of ",
		"ing", "ng ", " in", "in ", "is ", " is", "er ", "ed ", "on ", " yo",
		"you", "ou ", " fo", "for", "or ", "ion", "tio", "re ", " wi", "ll "},
	"es": {" de", "de ", "os ", " la", "la ", "el ", " el", "es ", " qu", "que",
		"ue ", " en", "en ", "as ", " co", "ado", "do ", " lo", " se", "con",
		"ar ", "ión", "ón ", "ció", "par", " pa", "ara", "nte", "est", " es"},
	"fr": {" de", "de ", "es ", " le", "le ", " la", "la ", "ent", "nt ", " et",
		"et ", " qu", "que", "ue ", " po", "pou", "our", "ur ", " un", "re ",
		"ion", "tio", "ons", " vo", "vou", "ous", "us ", " en", "les", "ais"},
	"de": {"en ", " de", "der", "er ", " di", "die", "ie ", "ich", "sch", "ch ",
		" un", "und", "nd ", " ei", "ein", "ine", "in ", " da", "den", "cht",
		"ht ", " zu", "zu ", "ung", "ng ", " si", "sie", "ist", " is", "te "},
	"it": {" di", "di ", "to ", " la", "la ", "re ", " ch", "che", "he ", " il",
		"il ", "ell", "lla", "per", " pe", "er ", "ion", "one", "ne ", "ato",
		"are", " co", "con", "no ", " in", "in ", "del", " de", "le ", "ti "},
	"pt": {" de", "de ", "os ", " qu", "que", "ue ", "do ", " do", "da ", " da",
		" co", "com", "om ", "ção", "ão ", " em", "em ", "ent", "nte", "as ",
		" pa", "par", "ara", " se", "es ", " no", "mos", "ado", "ra ", "ós "},
	"nl": {" de", "de ", "en ", "een", " ee", "het", " he", "et ", " va", "van",
		"an ", " in", "in ", "er ", " ge", "ijk", "ij ", " is", "is ", "te ",
		"aar", "oor", "ver", " ve", " da", "dat", "at ", " op", "op ", "nde"},
	"pl": {" pr", "prz", "rze", "ie ", "nie", " ni", "ych", "ch ", "ego", "go ",
		" po", "ani", "owa", "wać", "ać ", " na", "na ", "je ", "cze", "czn",
		"zy ", "ski", "est", " je", "jes", "ię ", " si", "się", "ia ", " w "},
	"tr": {" bi", "bir", "ir ", "lar", "ler", "ar ", "er ", "in ", "ın ", "da ",
		"de ", "ve ", " ve", "an ", "en ", "eri", "arı", "ini", "ası", "sı ",
		"ınd", "nda", "nde", " ol", "ola", "lan", " bu", "bu ", "rin", "iye"},
	"sv": {" oc", "och", "ch ", "en ", "att", " at", "tt ", "er ", "et ", "ar ",
		" de", "det", " är", "är ", "för", " fö", "ör ", "and", "nde", " in",
		"ing", "ng ", "om ", " so", "som", "an ", "de ", "ade", " me", "med"},
	"ru": {" пр", "про", "ост", "ия ", "ать", "ени", "ого", "го ", " не", "не ",
		"ов ", "ет ", " на", "на ", " в ", "ых ", "ния", "ние", "ть ", " по",
		"ст ", "ста", "то ", " то", "ом ", "ой ", "ли ", " ко", "ко ", "ите"},
	"ja": {"ます ", "です ", "します", "ります", "おりま", "ており", "くださ", "ださい", "さい ", "よろし",
		"ろしく", "お願い", "願いし", "いしま", "なって", "になっ", "ってお", "ている", "してい", "ました",
		"ません", "ことが", "という", "である", "いる ", "った ", "ので ", "から ", "ない ", "ですか"},
}

type profile struct {
	weights map[string]float64
}

var profiles = buildProfiles()

func buildProfiles() map[string]profile {
	out := make(map[string]profile, len(trigramProfiles))
	for lang, grams := range trigramProfiles {
		w := make(map[string]float64)
		var total float64
		for i, g := range grams {
			if _, dup := w[g]; dup {
				continue
			}
			v := float64(len(grams) - i)
			w[g] = v
			total += v
		}
		for g := range w {
			w[g] /= total
		}
		out[lang] = profile{weights: w}
	}
	return out
}

// trigrams returns the set of rune trigrams of every lowercased word of
// text, each word padded with one space on both sides.
func trigrams(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(strings.ToLower(text)) {
		r := []rune(" " + w.Text + " ")
		for i := 0; i+3 <= len(r); i++ {
			set[string(r[i:i+3])] = true
		}
	}
	return set
}

func similarity(grams map[string]bool, p profile) float64 {
	var s float64
	for g, w := range p.weights {
		if grams[g] {
			s += w
		}
	}
	return s
}

// DetectLanguage identifies the dominant language of text.
func DetectLanguage(text string) LanguageResult {
	if len([]rune(strings.TrimSpace(text))) < minDetectRunes {
		return LanguageResult{Language: Unknown}
	}

	counts := make(map[Script]int)
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if s, ok := ClassifyScript(r); ok {
			counts[s]++
		}
	}
	if letters == 0 {
		return LanguageResult{Language: Unknown}
	}
	grams := trigrams(text)

	if counts[Kana] > 0 {
		if sim := similarity(grams, profiles["ja"]); sim > 0.1 {
			return LanguageResult{Language: "ja", Confidence: math.Min(1, 0.5+sim)}
		}
	}

	nonLatin := 0
	var only Script
	for s, n := range counts {
		if s == Latin || n == 0 {
			continue
		}
		nonLatin++
		only = s
	}
	if nonLatin == 1 {
		share := float64(counts[only]) / float64(letters)
		if lang, ok := scriptHints[only]; ok && share > 0.5 {
			return LanguageResult{Language: lang, Confidence: math.Min(1, 0.7+0.3*(share-0.5)*2)}
		}
	}
	if counts[Han] > 0 && counts[Kana] == 0 && float64(counts[Han]) > float64(letters)/2 {
		return LanguageResult{Language: "zh", Confidence: 0.8}
	}

	type scored struct {
		lang  string
		score float64
	}
	var ranked []scored
	for lang, p := range profiles {
		ranked = append(ranked, scored{lang, similarity(grams, p)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].lang < ranked[j].lang
	})

	best := ranked[0]
	if best.score < 0.05 {
		return LanguageResult{Language: Unknown}
	}
	res := LanguageResult{Language: best.lang, Confidence: math.Min(1, best.score)}
	if len(ranked) > 1 {
		second := ranked[1]
		if second.score > best.score/2 && second.score > 0.1 {
			res.Secondary = second.lang
			res.SecondaryConfidence = math.Min(1, second.score)
		}
	}
	return res
}

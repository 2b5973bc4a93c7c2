package script

import "testing"

func TestClassifyScript(t *testing.T) {
	tests := []struct {
		r    rune
		want Script
		ok   bool
	}{
		{'a', Latin, true},
		{'é', Latin, true},
		{'а', Cyrillic, true},
		{'α', Greek, true},
		{'ש', Hebrew, true},
		{'ع', Arabic, true},
		{'中', Han, true},
		{'한', Hangul, true},
		{'の', Kana, true},
		{'カ', Kana, true},
		{'\U0001D400', Math, true},
		{'5', "", false},
		{'!', "", false},
		{' ', "", false},
	}
	for _, tt := range tests {
		got, ok := ClassifyScript(tt.r)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ClassifyScript(%U): expected (%q, %v), got (%q, %v)", tt.r, tt.want, tt.ok, got, ok)
		}
	}
}

func TestAnalyzeWordScriptsPureWords(t *testing.T) {
	for _, w := range []string{"hello", "привет", "日本語のテキスト", "a", "abc123"} {
		if f := AnalyzeWordScripts(w); f != nil {
			t.Errorf("expected no finding for %q, got %+v", w, f)
		}
	}
}

func TestAnalyzeWordScriptsLatinCyrillic(t *testing.T) {
	// "pаypal" with Cyrillic а
	f := AnalyzeWordScripts("pаypal")
	if f == nil {
		t.Fatal("expected finding for mixed word")
	}
	if f.TargetWord != "paypal" {
		t.Errorf("expected target word paypal, got %q", f.TargetWord)
	}
	// 0.9 base for Latin+Cyrillic plus 0.2 target bonus, capped.
	if f.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %v", f.Confidence)
	}
}

func TestAnalyzeWordScriptsConfidenceTable(t *testing.T) {
	tests := []struct {
		word string
		want float64
	}{
		{"hεllo", 0.85},          // Greek epsilon
		{"h\U0001D41Ello", 0.75}, // math bold e
		{"աаа", 0.5},             // Armenian + Cyrillic
	}
	for _, tt := range tests {
		f := AnalyzeWordScripts(tt.word)
		if f == nil {
			t.Fatalf("expected finding for %q", tt.word)
		}
		if f.Confidence != tt.want {
			t.Errorf("%q: expected confidence %v, got %v", tt.word, tt.want, f.Confidence)
		}
	}
}

func TestAnalyzeWordScriptsAlternationBonus(t *testing.T) {
	// a-а-a-а-x: four alternations in a short word
	f := AnalyzeWordScripts("aаaаx")
	if f == nil {
		t.Fatal("expected finding")
	}
	if f.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0 after alternation bonus, got %v", f.Confidence)
	}

	// Only one alternation: base Latin+Cyrillic confidence.
	f = AnalyzeWordScripts("abcаб")
	if f == nil {
		t.Fatal("expected finding")
	}
	if f.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", f.Confidence)
	}
}

func TestAnalyzeTextScore(t *testing.T) {
	a := AnalyzeText("Please verify your pаypal account today")
	if len(a.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(a.Findings))
	}
	// round(15 + 40*1.0) + 20
	if a.Score != 75 {
		t.Errorf("expected score 75, got %d", a.Score)
	}
	if !a.IsSuspicious {
		t.Error("expected suspicious")
	}
	f := a.Findings[0]
	if got := "Please verify your pаypal account today"[f.Start:f.End]; got != "pаypal" {
		t.Errorf("expected span to cover word, got %q", got)
	}
}

func TestAnalyzeTextClean(t *testing.T) {
	a := AnalyzeText("Hi Team, please review the attached report. Thanks!")
	if a.Score != 0 || a.IsSuspicious || len(a.Findings) != 0 {
		t.Errorf("expected clean analysis, got %+v", a)
	}
}

func TestAnalyzeTextScoreCapped(t *testing.T) {
	text := ""
	for i := 0; i < 10; i++ {
		text += "pаypal "
	}
	a := AnalyzeText(text)
	if a.Score != 100 {
		t.Errorf("expected score capped at 100, got %d", a.Score)
	}
}

func TestFoldConfusables(t *testing.T) {
	if got := FoldConfusables("раssѡ"); got != "passѡ" {
		t.Errorf("expected partial fold, got %q", got)
	}
	if got := FoldConfusables("plain ascii"); got != "plain ascii" {
		t.Errorf("expected unchanged, got %q", got)
	}
	if !IsConfusable('о') {
		t.Error("expected Cyrillic о to be confusable")
	}
	if IsConfusable('o') {
		t.Error("expected ASCII o not to be confusable")
	}
}

func TestWords(t *testing.T) {
	ws := Words("Hello, wörld! 42x")
	if len(ws) != 3 {
		t.Fatalf("expected 3 words, got %d", len(ws))
	}
	if ws[1].Text != "wörld" {
		t.Errorf("expected wörld, got %q", ws[1].Text)
	}
	if ws[2].Text != "42x" {
		t.Errorf("expected 42x, got %q", ws[2].Text)
	}
}

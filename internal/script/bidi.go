package script

import "unicode"

// Direction is a text rendering direction.
type Direction string

const (
	LTR   Direction = "ltr"
	RTL   Direction = "rtl"
	Mixed Direction = "mixed"
)

// Override is one explicit bidirectional control character found in text.
type Override struct {
	Rune       rune      `json:"rune"`
	Position   int       `json:"position"`
	Forced     Direction `json:"forced,omitempty"`
	Suspicious bool      `json:"suspicious"`
}

// BiDiAnalysis is the direction profile of a text.
type BiDiAnalysis struct {
	Primary       Direction  `json:"primary"`
	Overrides     []Override `json:"overrides,omitempty"`
	HasSuspicious bool       `json:"has_suspicious"`
}

// overrideDirection returns the direction forced by a bidi control and
// whether r is a bidi control at all. PDF, FSI and PDI force nothing.
func overrideDirection(r rune) (Direction, bool) {
	switch r {
	case 0x202A, 0x202D, 0x2066:
		return LTR, true
	case 0x202B, 0x202E, 0x2067:
		return RTL, true
	case 0x202C, 0x2068, 0x2069:
		return "", true
	}
	return "", false
}

// IsBiDiControl reports whether r is an explicit embedding, override or
// isolate control.
func IsBiDiControl(r rune) bool {
	_, ok := overrideDirection(r)
	return ok
}

func isRTL(r rune) bool {
	switch {
	case r >= 0x0590 && r <= 0x08FF:
		return unicode.IsLetter(r)
	case r >= 0xFB1D && r <= 0xFDFF, r >= 0xFE70 && r <= 0xFEFC:
		return true
	}
	return false
}

// AnalyzeBiDi classifies the primary direction of text and flags override
// controls that contradict it.
func AnalyzeBiDi(text string) BiDiAnalysis {
	var rtl, ltr int
	var a BiDiAnalysis
	for i, r := range text {
		if d, ok := overrideDirection(r); ok {
			a.Overrides = append(a.Overrides, Override{Rune: r, Position: i, Forced: d})
			continue
		}
		if isRTL(r) {
			rtl++
		} else if s, ok := ClassifyScript(r); ok && s == Latin {
			ltr++
		}
	}

	switch {
	case rtl == 0 && ltr == 0:
		a.Primary = LTR
	case rtl > 3*ltr:
		a.Primary = RTL
	case ltr > 3*rtl:
		a.Primary = LTR
	default:
		a.Primary = Mixed
	}

	crowded := a.Primary == Mixed && len(a.Overrides) > 5
	for i := range a.Overrides {
		o := &a.Overrides[i]
		switch {
		case crowded:
			o.Suspicious = true
		case a.Primary == LTR && o.Forced == RTL, a.Primary == RTL && o.Forced == LTR:
			o.Suspicious = true
		}
		if o.Suspicious {
			a.HasSuspicious = true
		}
	}
	return a
}

package model

// Severity classifies the impact of a single risk signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for ordering signals.
var SeverityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ParseSeverity maps a string to a Severity. Fail-closed: unknown → high.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityHigh
	}
}

// SignalType is the closed set of risk signal categories.
type SignalType string

const (
	SignalInstructionOverride SignalType = "instruction_override"
	SignalToolBaiting         SignalType = "tool_baiting"
	SignalObfuscation         SignalType = "obfuscation"
	SignalUrgency             SignalType = "urgency_manipulation"
	SignalFinancial           SignalType = "financial_keywords"
	SignalSuspiciousLink      SignalType = "suspicious_link"
	SignalHiddenContent       SignalType = "hidden_content"
	SignalEncodingAbuse       SignalType = "encoding_abuse"
	SignalPromptLeak          SignalType = "prompt_leak_attempt"
	SignalRoleImpersonation   SignalType = "role_impersonation"
	SignalDataExfiltration    SignalType = "data_exfiltration"
	SignalCommandInjection    SignalType = "command_injection"
)

// SignalTypes lists every valid SignalType.
var SignalTypes = []SignalType{
	SignalInstructionOverride,
	SignalToolBaiting,
	SignalObfuscation,
	SignalUrgency,
	SignalFinancial,
	SignalSuspiciousLink,
	SignalHiddenContent,
	SignalEncodingAbuse,
	SignalPromptLeak,
	SignalRoleImpersonation,
	SignalDataExfiltration,
	SignalCommandInjection,
}

// ValidSignalType reports whether s names a member of the closed enumeration.
func ValidSignalType(s string) bool {
	for _, t := range SignalTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Recommendation is the discrete outcome of risk scoring.
// Values are totally ordered by ascending severity.
type Recommendation string

const (
	RecommendAllow      Recommendation = "allow"
	RecommendReview     Recommendation = "review"
	RecommendQuarantine Recommendation = "quarantine"
	RecommendBlock      Recommendation = "block"
)

// Rank returns the position of r in the allow < review < quarantine < block order.
// Unknown values rank as block.
func (r Recommendation) Rank() int {
	switch r {
	case RecommendAllow:
		return 0
	case RecommendReview:
		return 1
	case RecommendQuarantine:
		return 2
	default:
		return 3
	}
}

// Span is a byte-offset range into the assessed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RiskSignal is one matched piece of evidence.
type RiskSignal struct {
	Type        SignalType `json:"type"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Evidence    string     `json:"evidence,omitempty"`
	Span        *Span      `json:"span,omitempty"`
	Weight      int        `json:"weight"`
	Language    string     `json:"language,omitempty"`
}

// RiskScore is the bounded outcome of heuristic (and optional ML) assessment.
type RiskScore struct {
	Score          int            `json:"score"`
	HeuristicScore int            `json:"heuristic_score"`
	MLScore        *int           `json:"ml_score,omitempty"`
	Reasons        []string       `json:"reasons"`
	Signals        []RiskSignal   `json:"signals"`
	Recommendation Recommendation `json:"recommendation"`
}

// HasSignal returns true if any recorded signal has the given type.
func (rs RiskScore) HasSignal(t SignalType) bool {
	for _, s := range rs.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// SignalTypeNames returns the distinct signal types in first-seen order.
func (rs RiskScore) SignalTypeNames() []string {
	seen := make(map[SignalType]bool)
	var out []string
	for _, s := range rs.Signals {
		if seen[s.Type] {
			continue
		}
		seen[s.Type] = true
		out = append(out, string(s.Type))
	}
	return out
}

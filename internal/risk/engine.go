// Package risk turns sanitized message content into a bounded 0–100 score
// and a recommendation.
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dortort/openclaw-mailguard/internal/model"
	"github.com/dortort/openclaw-mailguard/internal/patterns"
	"github.com/dortort/openclaw-mailguard/internal/sanitize"
)

const (
	// MaxAssessRunes caps the text the corpus is matched against.
	MaxAssessRunes = 100000
	// MaxMatchesPerRule caps regex matches examined per rule.
	MaxMatchesPerRule = 10
	// MaxSignalsPerDescription caps signals sharing one description.
	MaxSignalsPerDescription = 10
	maxEvidenceRunes         = 100
)

// Structural weights.
const (
	weightHiddenContent   = 15
	weightSuspiciousBiDi  = 25
	weightMixedScript     = 20
	weightEncodingChanged = 5
	weightSuspiciousLink  = 15
	weightLinkIPHost      = 10
	weightLinkTyposquat   = 15
	weightSPFFail         = 15
	weightDKIMFail        = 15
	weightDMARCFail       = 25
	weightBlockedSender   = 50
)

// Input is everything the engine scores. Links defaults to the links of
// Sanitization when nil.
type Input struct {
	Body         string
	Links        []sanitize.Link
	Headers      model.EmailHeaders
	Sanitization *sanitize.Result
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Corpus     *patterns.Corpus
	Classifier Classifier
	Logger     zerolog.Logger
}

// Engine scores messages against an immutable corpus. Safe for concurrent use.
type Engine struct {
	corpus     *patterns.Corpus
	classifier Classifier
	log        zerolog.Logger
}

// NewEngine creates an engine. A nil corpus uses the embedded default.
func NewEngine(cfg EngineConfig) *Engine {
	c := cfg.Corpus
	if c == nil {
		c = patterns.Default()
	}
	return &Engine{
		corpus:     c,
		classifier: cfg.Classifier,
		log:        cfg.Logger.With().Str("component", "risk").Logger(),
	}
}

// Corpus returns the rule table in use.
func (e *Engine) Corpus() *patterns.Corpus { return e.corpus }

// Assess scores in. It never fails: a rule that errors is skipped and a
// classifier failure leaves the heuristic score in place.
func (e *Engine) Assess(ctx context.Context, in Input, cfg Config) model.RiskScore {
	score := e.AssessHeuristics(in, cfg)
	if e.classifier == nil {
		return score
	}

	text := in.Body
	if text == "" && in.Sanitization != nil {
		text = in.Sanitization.BodyText
	}
	ml, ok := e.classifier.Classify(ctx, text)
	if !ok {
		return score
	}
	mlScore := ml.Score
	score.MLScore = &mlScore
	score.Score = CombineScores(score.HeuristicScore, &ml, cfg.MLWeight)
	score.Recommendation = RecommendationFor(score.Score, cfg.Threshold)
	e.log.Debug().
		Int("heuristic", score.HeuristicScore).
		Int("ml", mlScore).
		Int("score", score.Score).
		Msg("ml score combined")
	return score
}

// AssessHeuristics scores in without the ML classifier.
func (e *Engine) AssessHeuristics(in Input, cfg Config) model.RiskScore {
	a := &accumulator{perDesc: make(map[string]int)}

	text := truncateRunes(in.Body, MaxAssessRunes)
	e.corpus.Each(func(r patterns.Rule) {
		e.matchRule(a, r, text)
	})

	if s := in.Sanitization; s != nil {
		structuralSignals(a, s)
	}

	links := in.Links
	if links == nil && in.Sanitization != nil {
		links = in.Sanitization.Links
	}
	linkSignals(a, links)
	headerSignals(a, in.Headers)

	total := a.total
	domain := in.Headers.SenderDomain()
	switch {
	case DomainListed(domain, cfg.BlockedSenderDomains):
		a.add(model.RiskSignal{
			Type:        model.SignalRoleImpersonation,
			Severity:    model.SeverityCritical,
			Description: "Sender domain is blocklisted",
			Evidence:    domain,
			Weight:      weightBlockedSender,
		})
		total = a.total
	case DomainListed(domain, cfg.AllowedSenderDomains):
		total = a.total / 2
	}

	score := clampScore(total)
	rs := model.RiskScore{
		Score:          score,
		HeuristicScore: score,
		Reasons:        a.reasons,
		Signals:        a.signals,
		Recommendation: RecommendationFor(score, cfg.Threshold),
	}
	if rs.Reasons == nil {
		rs.Reasons = []string{}
	}
	if rs.Signals == nil {
		rs.Signals = []model.RiskSignal{}
	}
	e.log.Debug().
		Int("score", rs.Score).
		Int("signals", len(rs.Signals)).
		Str("recommendation", string(rs.Recommendation)).
		Msg("heuristics assessed")
	return rs
}

func (e *Engine) matchRule(a *accumulator, r patterns.Rule, text string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warn().
				Str("rule", r.Description).
				Str("source", r.Source).
				Str("panic", fmt.Sprint(rec)).
				Msg("rule skipped")
		}
	}()

	re := r.Regexp()
	if re == nil {
		return
	}
	for _, loc := range re.FindAllStringIndex(text, MaxMatchesPerRule) {
		if !a.add(model.RiskSignal{
			Type:        r.SignalType,
			Severity:    r.Severity,
			Description: r.Description,
			Evidence:    evidence(text[loc[0]:loc[1]]),
			Span:        &model.Span{Start: loc[0], End: loc[1]},
			Weight:      r.Weight,
			Language:    r.Language,
		}) {
			return
		}
	}
}

func structuralSignals(a *accumulator, s *sanitize.Result) {
	if s.HiddenContentRemoved {
		a.add(model.RiskSignal{
			Type:        model.SignalHiddenContent,
			Severity:    model.SeverityHigh,
			Description: "Hidden content removed",
			Weight:      weightHiddenContent,
		})
	}
	if s.BiDi.HasSuspicious {
		a.add(model.RiskSignal{
			Type:        model.SignalEncodingAbuse,
			Severity:    model.SeverityHigh,
			Description: "Suspicious bidirectional override",
			Weight:      weightSuspiciousBiDi,
		})
	}
	if n := len(s.Scripts.Findings); n > 0 {
		words := make([]string, 0, n)
		sev := model.SeverityMedium
		for _, f := range s.Scripts.Findings {
			if len(words) < 5 {
				words = append(words, f.Word)
			}
			if f.TargetWord != "" {
				sev = model.SeverityHigh
			}
		}
		a.add(model.RiskSignal{
			Type:        model.SignalObfuscation,
			Severity:    sev,
			Description: "Mixed-script words",
			Evidence:    evidence(strings.Join(words, ", ")),
			Weight:      weightMixedScript,
		})
	}
	if s.EncodingNormalized {
		a.add(model.RiskSignal{
			Type:        model.SignalEncodingAbuse,
			Severity:    model.SeverityLow,
			Description: "Encoding normalized",
			Weight:      weightEncodingChanged,
		})
	}
}

func linkSignals(a *accumulator, links []sanitize.Link) {
	for _, l := range links {
		if !l.Suspicious {
			continue
		}
		w := weightSuspiciousLink
		sev := model.SeverityMedium
		if l.HasReason(sanitize.ReasonIPAddressHost) {
			w += weightLinkIPHost
			sev = model.SeverityHigh
		}
		if l.HasReason(sanitize.ReasonTyposquat) {
			w += weightLinkTyposquat
			sev = model.SeverityHigh
		}
		a.add(model.RiskSignal{
			Type:        model.SignalSuspiciousLink,
			Severity:    sev,
			Description: "Suspicious link",
			Evidence:    evidence(l.Original + " (" + strings.Join(l.Reasons, ",") + ")"),
			Weight:      w,
		})
	}
}

func headerSignals(a *accumulator, h model.EmailHeaders) {
	checks := []struct {
		result model.AuthResult
		name   string
		weight int
	}{
		{h.SPF, "SPF", weightSPFFail},
		{h.DKIM, "DKIM", weightDKIMFail},
		{h.DMARC, "DMARC", weightDMARCFail},
	}
	for _, c := range checks {
		if !c.result.Failed() {
			continue
		}
		a.add(model.RiskSignal{
			Type:        model.SignalRoleImpersonation,
			Severity:    model.SeverityHigh,
			Description: c.name + " authentication failed",
			Evidence:    string(c.result),
			Weight:      c.weight,
		})
	}
}

// accumulator collects signals, caps them per description and tracks the
// de-duplicated reason list.
type accumulator struct {
	signals []model.RiskSignal
	reasons []string
	perDesc map[string]int
	total   int
}

// add records s unless its description is already at the cap. It returns
// false once the cap is reached.
func (a *accumulator) add(s model.RiskSignal) bool {
	n := a.perDesc[s.Description]
	if n >= MaxSignalsPerDescription {
		return false
	}
	if n == 0 {
		a.reasons = append(a.reasons, s.Description)
	}
	a.perDesc[s.Description] = n + 1
	a.signals = append(a.signals, s)
	a.total += s.Weight
	return true
}

func evidence(s string) string {
	if len([]rune(s)) <= maxEvidenceRunes {
		return s
	}
	return truncateRunes(s, maxEvidenceRunes-1) + "…"
}

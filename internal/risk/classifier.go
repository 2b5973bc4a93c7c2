package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// MaxClassifierRunes caps the text sent to the ML endpoint.
	MaxClassifierRunes = 10000
	// DefaultClassifierTimeout bounds one ML request.
	DefaultClassifierTimeout = 3 * time.Second
	maxClassifierResponse    = 1 << 20
)

// MLResult is the external classifier's verdict.
type MLResult struct {
	Score      int      `json:"score"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels,omitempty"`
}

// Classifier scores text out of band. Implementations return false on any
// failure; callers treat every failure the same way.
type Classifier interface {
	Classify(ctx context.Context, text string) (MLResult, bool)
}

// ClassifierConfig configures an HTTPClassifier.
type ClassifierConfig struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Client            *http.Client
	Logger            zerolog.Logger
}

// HTTPClassifier posts {"text": ...} to an endpoint and expects
// {"score", "confidence", "labels"} back.
type HTTPClassifier struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// NewHTTPClassifier creates a classifier client. A non-positive rate disables
// throttling.
func NewHTTPClassifier(cfg ClassifierConfig) *HTTPClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		log:      cfg.Logger.With().Str("component", "classifier").Logger(),
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (MLResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.classify(ctx, text)
	if err != nil {
		c.log.Warn().Err(err).Msg("classifier unavailable, using heuristics only")
		return MLResult{}, false
	}
	return res, true
}

func (c *HTTPClassifier) classify(ctx context.Context, text string) (MLResult, error) {
	if c.endpoint == "" {
		return MLResult{}, fmt.Errorf("no endpoint configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return MLResult{}, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(classifyRequest{Text: truncateRunes(text, MaxClassifierRunes)})
	if err != nil {
		return MLResult{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return MLResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return MLResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return MLResult{}, fmt.Errorf("classifier returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierResponse+1))
	if err != nil {
		return MLResult{}, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxClassifierResponse {
		return MLResult{}, fmt.Errorf("response exceeds %d bytes", maxClassifierResponse)
	}

	var raw struct {
		Score      *float64 `json:"score"`
		Confidence *float64 `json:"confidence"`
		Labels     []string `json:"labels"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return MLResult{}, fmt.Errorf("decode response: %w", err)
	}
	if raw.Score == nil || *raw.Score < 0 || *raw.Score > 100 || math.IsNaN(*raw.Score) {
		return MLResult{}, fmt.Errorf("score missing or out of range")
	}
	conf := 0.0
	if raw.Confidence != nil {
		conf = *raw.Confidence
		if conf < 0 || conf > 1 || math.IsNaN(conf) {
			return MLResult{}, fmt.Errorf("confidence out of range")
		}
	}
	return MLResult{
		Score:      int(math.Round(*raw.Score)),
		Confidence: conf,
		Labels:     raw.Labels,
	}, nil
}

// CombineScores blends the heuristic score with an ML score:
// round(h×(1−w) + ml×w), capped at 100. Without an ML result the heuristic
// score is returned unchanged.
func CombineScores(heuristic int, ml *MLResult, weight float64) int {
	if ml == nil {
		return heuristic
	}
	if weight < 0 || math.IsNaN(weight) {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	combined := int(math.Round(float64(heuristic)*(1-weight) + float64(ml.Score)*weight))
	return clampScore(combined)
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

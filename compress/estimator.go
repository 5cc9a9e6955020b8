// Package compress keeps the rendered action history inside a token budget.
//
// The strategy is two-tier: everything but the most recent action is
// summarized by a model call into a single synthetic summary action, and the
// most recent action's oversized fields are compressed individually. Both
// tiers degrade rather than fail: an unavailable summarization model falls
// back to head/tail truncation with an omission marker, and oversized inputs
// are split into chunks that are summarized independently. The append-only
// full trace is never touched.
package compress

import "github.com/pkoukk/tiktoken-go"

// TokenEstimator counts tokens in text. Implementations are selected at
// construction time; the heuristic estimator serves when no tokenizer data
// is available.
type TokenEstimator interface {
	Count(text string) int
}

// TiktokenEstimator counts exact sub-word units with the cl100k_base
// encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// Encode exposes the raw token stream for the head/tail fallback.
func (e *TiktokenEstimator) Encode(text string) []int {
	return e.enc.Encode(text, nil, nil)
}

// Decode reverses Encode.
func (e *TiktokenEstimator) Decode(tokens []int) string {
	return e.enc.Decode(tokens)
}

// HeuristicEstimator approximates token counts by weighting
// script-dependent character-per-token ratios: CJK ideographs run about 1.5
// characters per token, everything else about 4.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Count(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}

// NewEstimator returns the tiktoken estimator when its encoding data loads,
// otherwise the heuristic fallback.
func NewEstimator() TokenEstimator {
	if est, err := NewTiktokenEstimator(); err == nil {
		return est
	}
	return HeuristicEstimator{}
}

// Package history trims conversation histories to fit a message count and a
// token budget before they reach the session store or the upstream model.
//
// Trimming always keeps a contiguous suffix of the input: the most recent
// turn is kept first and older turns are dropped whole, never from the
// middle. Every function here is pure and never fails; unusable input yields
// an empty history.
package history

import (
	"github.com/teilomillet/chatgate/types"
)

const (
	DefaultTokenBudget = 8000
	DefaultMaxMessages = 30
)

// TrimByCount keeps the most recent maxMessages turns.
func TrimByCount(history []types.Turn, maxMessages int) []types.Turn {
	if maxMessages <= 0 || len(history) == 0 {
		return []types.Turn{}
	}
	start := len(history) - maxMessages
	if start < 0 {
		start = 0
	}
	return clone(history[start:])
}

// TrimByTokens keeps the longest suffix whose CharEstimator total fits in
// maxTokens.
func TrimByTokens(history []types.Turn, maxTokens int) []types.Turn {
	return TrimByTokensWith(history, maxTokens, CharEstimator{})
}

// TrimByTokensWith walks history from newest to oldest, summing estimates,
// and stops at the first turn that would push the total over maxTokens.
// That turn and everything older is dropped.
func TrimByTokensWith(history []types.Turn, maxTokens int, estimator TokenEstimator) []types.Turn {
	if maxTokens <= 0 || len(history) == 0 {
		return []types.Turn{}
	}
	if estimator == nil {
		estimator = CharEstimator{}
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += estimator.EstimateTurn(history[i])
		if total > maxTokens {
			break
		}
		start = i
	}
	return clone(history[start:])
}

// Trim applies TrimByCount and then TrimByTokens. The count pass is a cheap
// pre-filter that bounds how many turns need estimating.
func Trim(history []types.Turn, maxMessages, maxTokens int) []types.Turn {
	return TrimByTokens(TrimByCount(history, maxMessages), maxTokens)
}

// EstimateTokens sums the CharEstimator estimate over history.
func EstimateTokens(history []types.Turn) int {
	total := 0
	for _, turn := range history {
		total += CharEstimator{}.EstimateTurn(turn)
	}
	return total
}

// Trimmer bundles a count limit, a token budget and an estimator.
type Trimmer struct {
	maxMessages int
	tokenBudget int
	estimator   TokenEstimator
}

// NewTrimmer builds a Trimmer. Non-positive limits fall back to the
// defaults and a nil estimator to CharEstimator.
func NewTrimmer(maxMessages, tokenBudget int, estimator TokenEstimator) *Trimmer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	if estimator == nil {
		estimator = CharEstimator{}
	}
	return &Trimmer{maxMessages: maxMessages, tokenBudget: tokenBudget, estimator: estimator}
}

func (t *Trimmer) Trim(history []types.Turn) []types.Turn {
	return TrimByTokensWith(TrimByCount(history, t.maxMessages), t.tokenBudget, t.estimator)
}

func (t *Trimmer) MaxMessages() int { return t.maxMessages }
func (t *Trimmer) TokenBudget() int { return t.tokenBudget }

// clone copies the turn headers so callers can append to the result without
// writing into the input's backing array. Parts are shared; turns are
// immutable.
func clone(turns []types.Turn) []types.Turn {
	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out
}

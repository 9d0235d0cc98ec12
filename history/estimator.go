package history

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/chatgate/types"
	"github.com/teilomillet/chatgate/utils"
)

const (
	// charsPerToken is the heuristic ratio used by CharEstimator.
	charsPerToken = 4
	// turnOverhead is added to every turn for role and framing tokens.
	turnOverhead = 10
)

// TokenEstimator estimates how many context tokens a turn will use.
// Implementations must be safe for concurrent use.
type TokenEstimator interface {
	EstimateTurn(turn types.Turn) int
}

// CharEstimator estimates ceil(characters/4) + 10 tokens per turn. It
// needs no tokenizer and slightly overestimates for English text, which
// errs on the side of trimming early.
type CharEstimator struct{}

func (CharEstimator) EstimateTurn(turn types.Turn) int {
	chars := turn.CharCount()
	return (chars+charsPerToken-1)/charsPerToken + turnOverhead
}

// TiktokenEstimator counts BPE tokens with the encoding of a specific model
// and adds the same per-turn overhead as CharEstimator.
type TiktokenEstimator struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTiktokenEstimator loads the encoding for model. Unknown models fall
// back to the gpt-4o encoding.
//
// Loading an encoding may download its BPE ranks the first time it is used
// on a machine, so build the estimator once at startup.
func NewTiktokenEstimator(model string, logger utils.Logger) (*TiktokenEstimator, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Warn("Failed to get encoding for model, defaulting to gpt-4o", "model", model, "error", err)
		model = "gpt-4o"
		encoding, err = tiktoken.EncodingForModel(model)
		if err != nil {
			return nil, fmt.Errorf("failed to get default encoding: %w", err)
		}
	}
	return &TiktokenEstimator{encoding: encoding, model: model}, nil
}

func (e *TiktokenEstimator) EstimateTurn(turn types.Turn) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	tokens := turnOverhead
	for _, part := range turn.Parts {
		tokens += len(e.encoding.Encode(part.Text, nil, nil))
	}
	return tokens
}

// Model reports the model whose encoding is in use.
func (e *TiktokenEstimator) Model() string { return e.model }

package history

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/chatgate/types"
	"github.com/teilomillet/chatgate/utils"
)

// Loading a BPE encoding may need network access on a cold cache.
func TestTiktokenEstimator(t *testing.T) {
	if os.Getenv("CHATGATE_TIKTOKEN_TESTS") == "" {
		t.Skip("set CHATGATE_TIKTOKEN_TESTS=1 to run tokenizer tests")
	}

	t.Run("known model", func(t *testing.T) {
		est, err := NewTiktokenEstimator("gpt-4o-mini", utils.NewNopLogger())
		require.NoError(t, err)

		empty := est.EstimateTurn(types.Turn{Role: types.RoleUser})
		assert.Equal(t, turnOverhead, empty)

		tokens := est.EstimateTurn(types.UserTurn("Hello, world!"))
		assert.Greater(t, tokens, turnOverhead)
		assert.Less(t, tokens, turnOverhead+10)
	})

	t.Run("unknown model falls back", func(t *testing.T) {
		logger := utils.NewMockLogger()
		est, err := NewTiktokenEstimator("not-a-model", logger)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", est.Model())
		assert.Equal(t, []string{"Failed to get encoding for model, defaulting to gpt-4o"}, logger.Messages("Warn"))
	})

	t.Run("trims with real token counts", func(t *testing.T) {
		est, err := NewTiktokenEstimator("gpt-4o", nil)
		require.NoError(t, err)
		turn := types.UserTurn("the same sentence every time")
		h := []types.Turn{turn, turn, turn, turn, turn}
		out := TrimByTokensWith(h, 3*est.EstimateTurn(turn), est)
		assert.Len(t, out, 3)
	})
}

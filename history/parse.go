package history

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/teilomillet/chatgate/types"
)

// validate is the shared validator instance for decoded turns.
var validate = validator.New()

// Parse decodes a client-supplied JSON history. It never fails: anything
// that is not a JSON array yields an empty history, and elements that do
// not decode as a turn or carry an unknown role are skipped.
func Parse(raw []byte) []types.Turn {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []types.Turn{}
	}

	turns := make([]types.Turn, 0, len(items))
	for _, item := range items {
		var turn types.Turn
		if err := json.Unmarshal(item, &turn); err != nil {
			continue
		}
		if err := validate.Struct(turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}

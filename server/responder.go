package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/chatgate/types"
)

// Responder is the upstream model client the server forwards admitted
// messages to. H is the conversation handle it hands out; the server only
// stores it.
type Responder[H any] interface {
	// NewConversation starts a conversation seeded with history.
	NewConversation(history []types.Turn) (H, error)
	// Reply sends message on conversation and returns the model's answer.
	Reply(ctx context.Context, conversation H, message string) (string, error)
}

// EchoConversation is the handle type of EchoResponder.
type EchoConversation struct {
	Seeded int
}

// EchoResponder answers every message with the message itself. It lets the
// admission layer run end to end without a model behind it.
type EchoResponder struct{}

func (EchoResponder) NewConversation(history []types.Turn) (*EchoConversation, error) {
	return &EchoConversation{Seeded: len(history)}, nil
}

func (EchoResponder) Reply(ctx context.Context, _ *EchoConversation, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("echo: %s", strings.TrimSpace(message)), nil
}

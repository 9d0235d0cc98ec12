// Package types contains the conversation types shared by the history
// trimmer, the session store and the HTTP layer. It has no dependencies so
// every package can import it without cycles.
package types

import (
	"strings"
	"unicode/utf8"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one chunk of text inside a turn.
type Part struct {
	Text string `json:"text"`
}

// Turn is a single message in a conversation history. Turns are treated as
// immutable once appended: trimming removes whole turns and never edits
// their parts.
type Turn struct {
	Role  Role   `json:"role" validate:"required,oneof=user model"`
	Parts []Part `json:"parts" validate:"dive"`
}

// UserTurn returns a single-part turn authored by the user.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ModelTurn returns a single-part turn authored by the model.
func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{{Text: text}}}
}

// Text joins the turn's parts with newlines.
func (t Turn) Text() string {
	if len(t.Parts) == 1 {
		return t.Parts[0].Text
	}
	texts := make([]string, len(t.Parts))
	for i, p := range t.Parts {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n")
}

// CharCount is the number of characters (runes) across all parts.
func (t Turn) CharCount() int {
	n := 0
	for _, p := range t.Parts {
		n += utf8.RuneCountInString(p.Text)
	}
	return n
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"github.com/teilomillet/chatgate/gate"
	"github.com/teilomillet/chatgate/history"
	"github.com/teilomillet/chatgate/types"
)

// ChatRequest is the body of POST /api/v1/chat. History seeds a new session
// and is ignored when the caller already has one. Malformed history is
// dropped rather than rejected.
type ChatRequest struct {
	Message string          `json:"message" binding:"required"`
	History json.RawMessage `json:"history,omitempty"`
}

type ChatResponse struct {
	Reply        string `json:"reply"`
	SessionID    string `json:"sessionId"`
	MessageCount int    `json:"messageCount"`
	Cached       bool   `json:"cached"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// chatRequestSchema documents ChatRequest with its history typed.
type chatRequestSchema struct {
	Message string       `json:"message" jsonschema:"required,description=User message forwarded to the model"`
	History []types.Turn `json:"history,omitempty" jsonschema:"description=Prior turns used to seed a new session"`
}

func (s *Server[H]) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server[H]) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Stats())
}

func (s *Server[H]) handleSchema(c *gin.Context) {
	c.JSON(http.StatusOK, jsonschema.Reflect(&chatRequestSchema{}))
}

func (s *Server[H]) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, http.StatusBadRequest, gate.NewError(gate.ErrorTypeInvalidInput, "invalid request", err))
		return
	}

	key := c.GetString(callerKey)
	seed := history.Parse(req.History)

	// A cached reply may stand in for the model only when the conversation
	// starts from nothing. The new conversation is then seeded with the
	// cached exchange so its handle and the stored history agree.
	reply, cached := "", false
	if len(seed) == 0 && !s.gate.HasSession(key) {
		reply, cached = s.gate.CachedResponse(req.Message)
	}
	newConversation := s.responder.NewConversation
	if cached {
		newConversation = func(h []types.Turn) (H, error) {
			seeded := make([]types.Turn, 0, len(h)+2)
			seeded = append(seeded, h...)
			seeded = append(seeded, types.UserTurn(req.Message), types.ModelTurn(reply))
			return s.responder.NewConversation(seeded)
		}
	}

	adm, err := s.gate.Open(key, seed, newConversation)
	if err != nil {
		s.abortWithError(c, http.StatusBadGateway, err)
		return
	}
	if cached && !adm.Created {
		// a concurrent request created the session first
		cached = false
	}

	if !cached {
		fresh := len(adm.History) == 0
		reply, err = s.responder.Reply(c.Request.Context(), adm.Handle, req.Message)
		if err != nil {
			s.abortWithError(c, http.StatusBadGateway, gate.NewError(gate.ErrorTypeUpstream, "model call failed", err))
			return
		}
		if fresh {
			s.gate.StoreResponse(req.Message, reply)
		}
	}

	resp := ChatResponse{Reply: reply, SessionID: adm.SessionID, Cached: cached}
	if _, ok := s.gate.Record(key, types.UserTurn(req.Message), types.ModelTurn(reply)); !ok {
		s.logger.Warn("Session ended before the exchange was recorded", "key", key, "session_id", adm.SessionID)
	} else if data, ok := s.gate.Session(key); ok {
		resp.MessageCount = data.MessageCount
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server[H]) handleEndSession(c *gin.Context) {
	deleted := s.gate.End(callerID(c))
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server[H]) abortWithError(c *gin.Context, status int, err error) {
	resp := ErrorResponse{Error: err.Error(), Type: "UnknownError"}
	var gateErr *gate.Error
	if errors.As(err, &gateErr) {
		resp.Error = gateErr.Message
		resp.Type = gateErr.TypeString()
		resp.RetryAfter = gateErr.RetryAfter
		if status >= http.StatusInternalServerError {
			s.logger.Error("Request failed", append(gateErr.LoggableFields(), "error", err)...)
		}
	} else if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

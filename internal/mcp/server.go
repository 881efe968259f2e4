// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/colebrumley/textguard/internal/excerpt"
	"github.com/colebrumley/textguard/internal/random"
	"github.com/colebrumley/textguard/internal/security"
	"github.com/colebrumley/textguard/internal/session"
	"github.com/colebrumley/textguard/internal/state"
	"github.com/colebrumley/textguard/internal/sweeper"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Deps are the services exposed as tools. Extractor, Store and Random are
// required; History may be nil.
type Deps struct {
	Extractor *excerpt.Extractor
	Store     *session.Store
	Random    *random.Provider
	History   sweeper.Recorder
	Logger    *slog.Logger
}

// Server wraps the MCP server with text and session tools
type Server struct {
	deps   Deps
	logger *slog.Logger
	server *mcp.Server
}

// StripTagsInput is the input schema for the strip_tags tool
type StripTagsInput struct {
	Input     string `json:"input" jsonschema:"HTML or plain text to strip"`
	MaxLength *int   `json:"max_length,omitempty" jsonschema:"Maximum characters of output, default 200"`
}

// StripTagsOutput is the output schema for the strip_tags tool
type StripTagsOutput struct {
	Text string `json:"text"`
}

// ExcerptInput is the input schema for the excerpt tool
type ExcerptInput struct {
	HTML string `json:"html" jsonschema:"Post body or excerpt HTML"`
}

// ExcerptOutput is the output schema for the excerpt tool
type ExcerptOutput struct {
	Excerpt        string `json:"excerpt"`
	ShareText      string `json:"share_text"`
	WordCount      int    `json:"word_count"`
	ReadingMinutes int    `json:"reading_minutes"`
}

// SecureFloatInput is the input schema for the secure_float tool
type SecureFloatInput struct{}

// SecureFloatOutput is the output schema for the secure_float tool
type SecureFloatOutput struct {
	Value float64 `json:"value"`
}

// SecureIntInput is the input schema for the secure_int tool
type SecureIntInput struct {
	Min int64 `json:"min" jsonschema:"Inclusive lower bound"`
	Max int64 `json:"max" jsonschema:"Exclusive upper bound, must exceed min"`
}

// SecureIntOutput is the output schema for the secure_int tool
type SecureIntOutput struct {
	Value int64 `json:"value"`
}

// SecureBoolInput is the input schema for the secure_bool tool
type SecureBoolInput struct {
	Probability float64 `json:"probability" jsonschema:"Chance of true, in [0, 1]"`
}

// SecureBoolOutput is the output schema for the secure_bool tool
type SecureBoolOutput struct {
	Value bool `json:"value"`
}

// SessionCreateInput is the input schema for the session_create tool
type SessionCreateInput struct {
	UserID   string `json:"user_id" jsonschema:"Stable user identifier"`
	Username string `json:"username" jsonschema:"Display name"`
}

// SessionOutput describes a session. Token is only set on creation.
type SessionOutput struct {
	Valid        bool   `json:"valid"`
	ID           string `json:"id,omitempty"`
	Token        string `json:"token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// SessionValidateInput is the input schema for the session_validate tool
type SessionValidateInput struct {
	Token string `json:"token" jsonschema:"Session token"`
	Touch bool   `json:"touch,omitempty" jsonschema:"Restart the inactivity timer"`
}

// SessionRemoveInput is the input schema for the session_remove tool
type SessionRemoveInput struct {
	Token string `json:"token" jsonschema:"Session token to end"`
}

// MessageOutput is a plain acknowledgement.
type MessageOutput struct {
	Message string `json:"message"`
}

// SessionSweepInput is the input schema for the session_sweep tool
type SessionSweepInput struct{}

// SessionSweepOutput is the output schema for the session_sweep tool
type SessionSweepOutput struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// NewServer creates a new MCP server exposing deps as tools
func NewServer(deps Deps) (*Server, error) {
	if deps.Extractor == nil || deps.Store == nil {
		return nil, errors.New("mcp server requires an extractor and a session store")
	}
	if deps.Random == nil {
		deps.Random = random.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{deps: deps, logger: logger}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "textguard",
		Version: Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "strip_tags",
		Description: "Remove HTML tags from text for plain-text display. Entities are left as written. Output is not safe to insert into HTML.",
	}, s.handleStripTags)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "excerpt",
		Description: "Produce listing excerpt, share text, word count and reading time for CMS HTML.",
	}, s.handleExcerpt)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "secure_float",
		Description: "Cryptographically secure float in [0, 1).",
	}, s.handleSecureFloat)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "secure_int",
		Description: "Cryptographically secure, exactly uniform integer in [min, max).",
	}, s.handleSecureInt)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "secure_bool",
		Description: "Cryptographically secure boolean that is true with the given probability.",
	}, s.handleSecureBool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_create",
		Description: "Start a session for a user and return its token.",
	}, s.handleSessionCreate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_validate",
		Description: "Check whether a session token is live. Expired sessions are removed.",
	}, s.handleSessionValidate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_remove",
		Description: "End a session.",
	}, s.handleSessionRemove)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_sweep",
		Description: "Remove all expired sessions now.",
	}, s.handleSessionSweep)

	s.server = server
	return s, nil
}

func (s *Server) handleStripTags(ctx context.Context, req *mcp.CallToolRequest, input StripTagsInput) (*mcp.CallToolResult, StripTagsOutput, error) {
	if input.MaxLength == nil {
		return nil, StripTagsOutput{Text: security.StripTags(input.Input)}, nil
	}
	return nil, StripTagsOutput{Text: security.StripTagsN(input.Input, *input.MaxLength)}, nil
}

func (s *Server) handleExcerpt(ctx context.Context, req *mcp.CallToolRequest, input ExcerptInput) (*mcp.CallToolResult, ExcerptOutput, error) {
	e := s.deps.Extractor
	return nil, ExcerptOutput{
		Excerpt:        e.Excerpt(input.HTML),
		ShareText:      e.ShareText(input.HTML),
		WordCount:      e.WordCount(input.HTML),
		ReadingMinutes: e.ReadingTime(input.HTML),
	}, nil
}

func (s *Server) handleSecureFloat(ctx context.Context, req *mcp.CallToolRequest, input SecureFloatInput) (*mcp.CallToolResult, SecureFloatOutput, error) {
	v, err := s.deps.Random.Float()
	if err != nil {
		return nil, SecureFloatOutput{}, err
	}
	return nil, SecureFloatOutput{Value: v}, nil
}

func (s *Server) handleSecureInt(ctx context.Context, req *mcp.CallToolRequest, input SecureIntInput) (*mcp.CallToolResult, SecureIntOutput, error) {
	v, err := s.deps.Random.Int(input.Min, input.Max)
	if err != nil {
		return nil, SecureIntOutput{}, err
	}
	return nil, SecureIntOutput{Value: v}, nil
}

func (s *Server) handleSecureBool(ctx context.Context, req *mcp.CallToolRequest, input SecureBoolInput) (*mcp.CallToolResult, SecureBoolOutput, error) {
	v, err := s.deps.Random.Bool(input.Probability)
	if err != nil {
		return nil, SecureBoolOutput{}, err
	}
	return nil, SecureBoolOutput{Value: v}, nil
}

func (s *Server) handleSessionCreate(ctx context.Context, req *mcp.CallToolRequest, input SessionCreateInput) (*mcp.CallToolResult, SessionOutput, error) {
	if input.UserID == "" {
		return nil, SessionOutput{}, errors.New("user_id is required")
	}
	sess, err := s.deps.Store.Create(input.UserID, input.Username)
	if err != nil {
		return nil, SessionOutput{}, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", "session", sess)

	out := sessionOutput(sess)
	out.Token = sess.Token
	return nil, out, nil
}

func (s *Server) handleSessionValidate(ctx context.Context, req *mcp.CallToolRequest, input SessionValidateInput) (*mcp.CallToolResult, SessionOutput, error) {
	sess, ok, err := s.deps.Store.Validate(input.Token, input.Touch)
	if err != nil {
		return nil, SessionOutput{}, fmt.Errorf("failed to validate session: %w", err)
	}
	if !ok {
		return nil, SessionOutput{Valid: false}, nil
	}
	return nil, sessionOutput(sess), nil
}

func (s *Server) handleSessionRemove(ctx context.Context, req *mcp.CallToolRequest, input SessionRemoveInput) (*mcp.CallToolResult, MessageOutput, error) {
	if err := s.deps.Store.Remove(input.Token); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, MessageOutput{}, errors.New("session not found")
		}
		return nil, MessageOutput{}, fmt.Errorf("failed to remove session: %w", err)
	}
	return nil, MessageOutput{Message: "Session removed"}, nil
}

func (s *Server) handleSessionSweep(ctx context.Context, req *mcp.CallToolRequest, input SessionSweepInput) (*mcp.CallToolResult, SessionSweepOutput, error) {
	rec, err := sweeper.Record(s.deps.History, state.TriggerManual, s.deps.Store.SweepStats())
	if err != nil {
		// The sweep itself happened; only the history write failed.
		s.logger.Error("recording manual sweep failed", "error", err)
	}
	return nil, SessionSweepOutput{Removed: rec.Removed, Remaining: rec.Remaining}, nil
}

func sessionOutput(sess session.Session) SessionOutput {
	return SessionOutput{
		Valid:        true,
		ID:           sess.ID,
		UserID:       sess.UserID,
		Username:     sess.Username,
		ExpiresAt:    sess.ExpiresAt.UTC().Format(time.RFC3339),
		LastActivity: sess.LastActivity.UTC().Format(time.RFC3339),
	}
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

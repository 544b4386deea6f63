package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

// EventLister reads journaled events. *store.Journal implements it.
type EventLister interface {
	ListEvents(ctx context.Context, featureID string, limit int) ([]*store.Entry, error)
}

// Server exposes review loop sessions as MCP tools.
type Server struct {
	store   store.Store
	loop    *loop.Orchestrator
	journal EventLister
}

// NewServer creates the MCP server wrapper. The journal may be nil.
func NewServer(s store.Store, o *loop.Orchestrator, j EventLister) *Server {
	return &Server{store: s, loop: o, journal: j}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("reviewloop", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.evaluateGateTool())
	srv.AddTool(s.forceReadyTool())
	srv.AddTool(s.skipToPRTool())
	srv.AddTool(s.listEventsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// reviewloop_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_list_sessions",
		mcp.WithDescription("List review loop sessions. Returns a JSON array with feature id, state, iteration, PR and last error."),
		mcp.WithString("state", mcp.Description("Only list sessions in this state, e.g. awaiting_pr_feedback")),
	)
	return tool, s.handleListSessions
}

type sessionOut struct {
	FeatureID      string       `json:"feature_id"`
	State          models.State `json:"state"`
	Iteration      int          `json:"iteration"`
	Branch         string       `json:"branch,omitempty"`
	PRNumber       int          `json:"pr_number,omitempty"`
	PRURL          string       `json:"pr_url,omitempty"`
	OpenIssues     int          `json:"open_issues"`
	LastError      string       `json:"last_error,omitempty"`
	LastErrorStage string       `json:"last_error_stage,omitempty"`
	UpdatedAt      string       `json:"updated_at"`
}

func summarize(sess *models.Session) sessionOut {
	out := sessionOut{
		FeatureID:      sess.FeatureID,
		State:          sess.State,
		Iteration:      sess.CurrentIteration,
		Branch:         sess.Branch,
		PRNumber:       sess.PRNumber,
		PRURL:          sess.PRURL,
		LastError:      sess.LastError,
		LastErrorStage: sess.LastErrorStage,
		UpdatedAt:      sess.LastUpdatedAt.Format(time.RFC3339),
	}
	if len(sess.UnresolvedIssues) > 0 {
		out.OpenIssues = len(sess.UnresolvedIssues)
	} else if r := sess.LatestResult(); r != nil {
		out.OpenIssues = len(r.Issues)
	}
	return out
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		sessions []*models.Session
		err      error
	)
	if st := request.GetString("state", ""); st != "" {
		state := models.State(st)
		if !state.IsValid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown state: %s", st)), nil
		}
		sessions, err = s.store.ListByState(ctx, state)
	} else {
		sessions, err = s.store.List(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = summarize(sess)
	}
	return jsonResult(out)
}

// reviewloop_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_get_session",
		mcp.WithDescription("Get a review loop session with every review iteration, refinement and unresolved issue."),
		mcp.WithString("feature_id", mcp.Required(), mcp.Description("Feature ID of the session")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("feature_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feature_id"), nil
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

// reviewloop_evaluate_gate
func (s *Server) evaluateGateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_evaluate_gate",
		mcp.WithDescription("Run the quality gate over the session's latest review. Coverage and duplication override the configured metrics provider."),
		mcp.WithString("feature_id", mcp.Required(), mcp.Description("Feature ID of the session")),
		mcp.WithNumber("coverage", mcp.Description("Test coverage percentage")),
		mcp.WithNumber("duplication", mcp.Description("Duplicated code percentage")),
	)
	return tool, s.handleEvaluateGate
}

func (s *Server) handleEvaluateGate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("feature_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feature_id"), nil
	}

	var metrics *gate.Metrics
	args := request.GetArguments()
	if _, ok := args["coverage"]; ok {
		v := request.GetFloat("coverage", 0)
		metrics = &gate.Metrics{TestCoverage: &v}
	}
	if _, ok := args["duplication"]; ok {
		v := request.GetFloat("duplication", 0)
		if metrics == nil {
			metrics = &gate.Metrics{}
		}
		metrics.Duplication = &v
	}

	res, err := s.loop.Evaluate(ctx, id, metrics)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

// reviewloop_force_ready
func (s *Server) forceReadyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_force_ready",
		mcp.WithDescription("Mark a session ready for human review regardless of remaining feedback."),
		mcp.WithString("feature_id", mcp.Required(), mcp.Description("Feature ID of the session")),
	)
	return tool, s.handleForceReady
}

func (s *Server) handleForceReady(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("feature_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feature_id"), nil
	}
	sess, err := s.loop.ForceReady(ctx, id)
	return sessionResult(sess, err)
}

// reviewloop_skip_to_pr
func (s *Server) skipToPRTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_skip_to_pr",
		mcp.WithDescription("Bypass self-review. Links the given PR, or opens one when pr_number is omitted, then starts PR monitoring."),
		mcp.WithString("feature_id", mcp.Required(), mcp.Description("Feature ID of the session")),
		mcp.WithNumber("pr_number", mcp.Description("Existing PR number to link")),
		mcp.WithString("pr_url", mcp.Description("URL of the existing PR")),
	)
	return tool, s.handleSkipToPR
}

func (s *Server) handleSkipToPR(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("feature_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feature_id"), nil
	}
	number := request.GetInt("pr_number", 0)
	if number < 0 {
		return mcp.NewToolResultError("pr_number must be positive"), nil
	}
	sess, err := s.loop.SkipToPR(ctx, id, number, request.GetString("pr_url", ""))
	return sessionResult(sess, err)
}

// reviewloop_list_events
func (s *Server) listEventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewloop_list_events",
		mcp.WithDescription("List journaled loop events for a feature, oldest first."),
		mcp.WithString("feature_id", mcp.Description("Feature ID; omit for all features")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of most recent events (default 50)")),
	)
	return tool, s.handleListEvents
}

func (s *Server) handleListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.journal == nil {
		return mcp.NewToolResultError("event journal not configured"), nil
	}
	entries, err := s.journal.ListEvents(ctx, request.GetString("feature_id", ""), request.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list events: %v", err)), nil
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	return jsonResult(entries)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sessionResult reports the outcome of an operation that advances a
// session. Errors name the session's state so the caller can decide what to
// do next.
func sessionResult(sess *models.Session, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		if sess != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%v (session is %s)", err, sess.State)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(summarize(sess))
}

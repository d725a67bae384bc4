package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/session"
	"github.com/remedyhq/remedy/internal/store"
	"github.com/remedyhq/remedy/internal/worker"
)

// Server wraps the session layer and exposes it as MCP tools.
type Server struct {
	store    store.Store
	sessions *session.Manager
	workers  *worker.Manager
	version  string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, sm *session.Manager, wm *worker.Manager, version string) *Server {
	return &Server{
		store:    s,
		sessions: sm,
		workers:  wm,
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("remedy", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.controlSessionTool())
	srv.AddTool(s.listCheckpointsTool())

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

// remedy_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_list_sessions",
		mcp.WithDescription("List cleaning sessions, newest first. Returns a JSON array with id, repo_path, branch, status (pending/running/paused/stopped/completed/failed), and timestamps."),
		mcp.WithString("status", mcp.Description("Filter by status: pending, running, paused, stopped, completed, failed")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.store.ListSessions(ctx, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	if status := request.GetString("status", ""); status != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if string(sess.Status) == status {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}

	type sessionOut struct {
		ID        string `json:"id"`
		RepoPath  string `json:"repo_path"`
		Branch    string `json:"branch"`
		Status    string `json:"status"`
		MaxTime   int    `json:"max_time_minutes"`
		CreatedAt string `json:"created_at"`
		EndedAt   string `json:"ended_at,omitempty"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:        sess.ID,
			RepoPath:  sess.RepoPath,
			Branch:    sess.CleaningBranch,
			Status:    string(sess.Status),
			MaxTime:   sess.MaxTimeMinutes,
			CreatedAt: sess.CreatedAt.Format(time.RFC3339),
		}
		if sess.EndedAt != nil {
			out[i].EndedAt = sess.EndedAt.Format(time.RFC3339)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_session_status",
		mcp.WithDescription("Get detailed status for one session: persisted state, issue progress counts, and the live worker's last report when one is running."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID (full ULID or unique prefix)")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, err := s.findSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	progress, err := s.store.IssueProgress(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load progress: %v", err)), nil
	}

	result := map[string]any{
		"session": map[string]any{
			"id":               sess.ID,
			"repo_path":        sess.RepoPath,
			"branch":           sess.CleaningBranch,
			"status":           string(sess.Status),
			"max_time_minutes": sess.MaxTimeMinutes,
			"failure_reason":   sess.FailureReason,
			"created_at":       sess.CreatedAt.Format(time.RFC3339),
		},
		"issues": map[string]any{
			"total":    progress.Total,
			"resolved": progress.Resolved,
			"failed":   progress.Failed,
			"pending":  progress.Pending,
		},
	}
	if sess.EndedAt != nil {
		result["session"].(map[string]any)["ended_at"] = sess.EndedAt.Format(time.RFC3339)
	}

	if h := s.workers.GetWorker(sess.ID); h != nil {
		st := h.Status()
		result["worker"] = map[string]any{
			"live":          true,
			"status":        st.Status,
			"current_issue": st.CurrentIssue,
		}
	} else {
		result["worker"] = map[string]any{"live": false}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_create_session",
		mcp.WithDescription("Create a new cleaning session for a repository. The session starts in pending; use remedy_control_session with action=start to launch it."),
		mcp.WithString("repo_path", mcp.Required(), mcp.Description("Absolute path to the git repository")),
		mcp.WithString("branch", mcp.Description("Branch to clean (default: current branch)")),
		mcp.WithNumber("max_time_minutes", mcp.Description("Maximum session runtime in minutes (default 60, 0 = unbounded)")),
		mcp.WithBoolean("process_isolation", mcp.Description("Run the worker in a child process instead of a goroutine")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoPath, err := request.RequireString("repo_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo_path"), nil
	}

	branch := request.GetString("branch", "")
	maxTime := request.GetInt("max_time_minutes", 60)
	cfg := models.SessionConfig{
		UseProcessIsolation: request.GetBool("process_isolation", false),
	}

	sess, err := s.sessions.Create(ctx, repoPath, branch, maxTime, cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}

	result := map[string]any{
		"id":         sess.ID,
		"repo_path":  sess.RepoPath,
		"branch":     sess.CleaningBranch,
		"status":     string(sess.Status),
		"created_at": sess.CreatedAt.Format(time.RFC3339),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_control_session
func (s *Server) controlSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_control_session",
		mcp.WithDescription("Drive a session's lifecycle. Valid actions: start (from pending or paused), pause (from running), resume (from paused), stop (from running or paused). Illegal transitions are rejected."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID (full ULID or unique prefix)")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Action: start, pause, resume, stop")),
	)
	return tool, s.handleControlSession
}

func (s *Server) handleControlSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	action, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: action"), nil
	}

	sess, err := s.findSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	switch action {
	case "start":
		err = s.sessions.Start(ctx, sess.ID)
	case "pause":
		err = s.sessions.Pause(ctx, sess.ID)
	case "resume":
		err = s.sessions.Resume(ctx, sess.ID)
	case "stop":
		err = s.sessions.Stop(ctx, sess.ID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid action: %s (must be start, pause, resume, or stop)", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	updated, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reload session: %v", err)), nil
	}

	result := map[string]any{
		"session_id": updated.ID,
		"action":     action,
		"status":     string(updated.Status),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_list_checkpoints
func (s *Server) listCheckpointsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_list_checkpoints",
		mcp.WithDescription("List checkpoints for a session, newest first. Each checkpoint records a commit hash, git tag, and issue progress at capture time."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID (full ULID or unique prefix)")),
	)
	return tool, s.handleListCheckpoints
}

func (s *Server) handleListCheckpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, err := s.findSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	checkpoints, err := s.store.ListCheckpoints(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list checkpoints: %v", err)), nil
	}

	type checkpointOut struct {
		ID         string `json:"id"`
		CommitHash string `json:"commit_hash"`
		TagName    string `json:"tag_name"`
		Resolved   int    `json:"resolved"`
		Failed     int    `json:"failed"`
		Pending    int    `json:"pending"`
		CreatedAt  string `json:"created_at"`
	}

	out := make([]checkpointOut, len(checkpoints))
	for i, cp := range checkpoints {
		out[i] = checkpointOut{
			ID:         cp.ID,
			CommitHash: cp.CommitHash,
			TagName:    cp.TagName(),
			Resolved:   cp.Progress.Resolved,
			Failed:     cp.Progress.Failed,
			Pending:    cp.Progress.Pending,
			CreatedAt:  cp.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal checkpoints: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// findSession finds a session by full ID or unique prefix.
func (s *Server) findSession(ctx context.Context, id string) (*models.Session, error) {
	if sess, err := s.store.GetSession(ctx, id); err == nil {
		return sess, nil
	}

	upper := strings.ToUpper(id)
	sessions, err := s.store.ListSessions(ctx, 0)
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}

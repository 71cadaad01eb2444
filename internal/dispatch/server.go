// Package dispatch exposes the task subsystem over MCP. It registers the
// task lifecycle tools on a stdio JSON-RPC server and provides RunAsTask,
// the helper a tool handler uses to convert a long-running call into a
// tracked task without blocking the response.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/phrazzld/taskhorn/internal/task"
)

// Server handles MCP protocol communication for the task subsystem.
type Server struct {
	runtime *task.Runtime
	logger  *slog.Logger
}

// NewServer creates a dispatch server over the given runtime.
func NewServer(runtime *task.Runtime, logger *slog.Logger) *Server {
	return &Server{runtime: runtime, logger: logger}
}

// Run starts the MCP server on stdio and blocks until the stream closes.
func (s *Server) Run() error {
	mcpServer := server.NewMCPServer(
		"taskhorn",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.RegisterTools(mcpServer)
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

// RegisterTools registers the task lifecycle tools.
func (s *Server) RegisterTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get the current status of a long-running task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID returned when the task was started"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_result",
		mcp.WithDescription("Fetch the stored result of a finished task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID returned when the task was started"),
		),
	), s.handleGetResult)

	mcpServer.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Request cooperative cancellation of a running task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID returned when the task was started"),
		),
		mcp.WithString("reason",
			mcp.Description("Optional cancellation reason"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tracked tasks, optionally scoped to one session"),
		mcp.WithString("session_id",
			mcp.Description("Limit the listing to one session"),
		),
		mcp.WithString("cursor",
			mcp.Description("Continuation cursor from a previous page"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Page size, default 50"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleListTasks)

	s.logger.Info("MCP task tools registered", "count", 4)
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	rec, err := s.runtime.GetTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get task: %v", err)), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	out, err := s.runtime.GetOutcome(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get result: %v", err)), nil
	}
	return jsonResult(out)
}

func (s *Server) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	reason := mcp.ParseString(request, "reason", "cancelled by client")
	if err := s.runtime.Cancel(ctx, taskID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel task: %v", err)), nil
	}
	s.logger.Info("task cancellation requested", "task_id", taskID, "reason", reason)
	return mcp.NewToolResultText(fmt.Sprintf("cancellation requested for task %s", taskID)), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(request, "session_id", "")
	cursor := mcp.ParseString(request, "cursor", "")
	limit := int(mcp.ParseFloat64(request, "limit", 0))

	var page *task.Page
	var err error
	if sessionID != "" {
		page, err = s.runtime.ListSessionTasks(ctx, sessionID, cursor, limit)
	} else {
		page, err = s.runtime.ListTasks(ctx, cursor, limit)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks: %v", err)), nil
	}
	return jsonResult(page)
}

// TaskHandle is the immediate response to a task-augmented request: enough
// for the caller to poll, await, or cancel later.
type TaskHandle struct {
	TaskID    string      `json:"task_id"`
	SessionID string      `json:"session_id"`
	Status    task.Status `json:"status"`
}

// RunAsTask registers a durable task for the session and hands the work to
// the executor, returning the task handle without waiting for the work. Use
// it inside tool handlers whose work outlives the request.
func RunAsTask(ctx context.Context, runtime *task.Runtime, sessionID string, meta json.RawMessage, work task.Work) (*mcp.CallToolResult, error) {
	rec, err := runtime.Submit(ctx, sessionID, meta, work)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start task: %v", err)), nil
	}
	return jsonResult(TaskHandle{TaskID: rec.ID, SessionID: rec.SessionID, Status: rec.Status})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

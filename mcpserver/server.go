package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/sandbox"
	"github.com/isdmx/datarun/store"
)

// TaskService is the job API the tools delegate to
type TaskService interface {
	Submit(ctx context.Context, req sandbox.ExecuteRequest) (store.Job, error)
	Get(id string) (store.Job, error)
	Result(id string) (sandbox.ExecuteResult, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	tasks      TaskService
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, tasks TaskService) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger.Named("mcp"),
		tasks:  tasks,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.api_port", cfg.Server.APIPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.String("sandbox.data_dir", cfg.Sandbox.DataDir),
		zap.Int("sandbox.max_concurrency", cfg.Sandbox.MaxConcurrency),
		zap.Duration("sandbox.execution_timeout", cfg.Sandbox.ExecutionTimeout),
		zap.String("sandbox.memory", cfg.Sandbox.Memory),
		zap.String("sandbox.memory_swap", cfg.Sandbox.MemorySwap),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
	)

	s.mcpServer = server.NewMCPServer("datarun", "Sandboxed dataset code execution")

	s.registerSubmitTaskTool()
	s.registerGetTaskTool()
	s.registerGetTaskResultTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerSubmitTaskTool() {
	tool := mcp.Tool{
		Name:        "submit_task",
		Description: "Queue Python code to run against one or more datasets. Returns a task id to poll.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"dataset_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Datasets to mount; the first is primary. Files appear under <workdir>/input/<id>/",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to execute",
				},
				"files": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Only mount these files of each dataset (optional)",
				},
				"libraries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "pip packages to install before running (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit, capped by the server maximum (optional)",
				},
			},
			Required: []string{"dataset_ids", "code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSubmitTask)
}

func (s *MCPServer) registerGetTaskTool() {
	tool := mcp.Tool{
		Name:        "get_task",
		Description: "Get the status of a submitted task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{"type": "string", "description": "Id returned by submit_task"},
			},
			Required: []string{"task_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetTask)
}

func (s *MCPServer) registerGetTaskResultTool() {
	tool := mcp.Tool{
		Name:        "get_task_result",
		Description: "Get stdout, stderr and exit code of a finished task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{"type": "string", "description": "Id returned by submit_task"},
			},
			Required: []string{"task_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetTaskResult)
}

// handleSubmitTask handles the submit_task tool
func (s *MCPServer) handleSubmitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}

	req := sandbox.ExecuteRequest{
		DatasetIDs: request.GetStringSlice("dataset_ids", nil),
		Code:       code,
		Files:      request.GetStringSlice("files", nil),
		Libraries:  request.GetStringSlice("libraries", nil),
	}
	if secs := request.GetFloat("timeout_seconds", 0); secs != 0 {
		timeout, err := sandbox.TimeoutFromSeconds(secs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
		}
		req.Timeout = timeout
	}

	job, err := s.tasks.Submit(ctx, req)
	if err != nil {
		s.logger.Info("task submission rejected", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
	}

	s.logger.Info("task submitted", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))

	return jsonResult(map[string]any{
		"task_id":    job.ID,
		"status":     job.Status,
		"error":      job.Error,
		"error_kind": job.ErrorKind,
	})
}

// handleGetTask handles the get_task tool
func (s *MCPServer) handleGetTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}

	job, err := s.tasks.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", id)), nil
	}
	return jsonResult(job)
}

// handleGetTaskResult handles the get_task_result tool
func (s *MCPServer) handleGetTaskResult(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}

	result, err := s.tasks.Result(id)
	if err != nil {
		var conflict *store.ConflictError
		var failed *store.FailedError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", id)), nil
		case errors.As(err, &conflict):
			return mcp.NewToolResultError(fmt.Sprintf("Task %s is %s, poll again later", id, conflict.Status)), nil
		case errors.As(err, &failed):
			return mcp.NewToolResultError(fmt.Sprintf("Task %s failed (%s): %s", id, failed.Kind, failed.Message)), nil
		default:
			return nil, err
		}
	}
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

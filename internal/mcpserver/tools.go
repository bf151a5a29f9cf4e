package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/apperrors"
)

func registerTools(s *server.MCPServer, deps Dependencies) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List every task tracked by the control plane, across all projects."),
		),
		listTasksHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a single task by ID, including its state, worktree, and session info."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to fetch"),
			),
		),
		getTaskHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List every registered project, including which one is currently active."),
		),
		listProjectsHandler(deps),
	)

	if deps.Logger != nil {
		deps.Logger.WithSource("mcpserver").WithFields(zap.Int("count", 3)).Info("registered MCP tools")
	}
}

func listTasksHandler(deps Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Tasks.List()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		return jsonResult(tasks)
	}
}

func getTaskHandler(deps Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		t, found, err := deps.Tasks.Get(taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get task: %v", err)), nil
		}
		if !found {
			return mcp.NewToolResultError(apperrors.NotFound("task", taskID).Error()), nil
		}
		return jsonResult(t)
	}
}

func listProjectsHandler(deps Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects, err := deps.Projects.ListProjects()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
		}

		activeID, _, err := deps.Projects.GetActiveProjectID()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve active project: %v", err)), nil
		}

		return jsonResult(struct {
			Projects        any    `json:"projects"`
			ActiveProjectID string `json:"activeProjectId,omitempty"`
		}{Projects: projects, ActiveProjectID: activeID})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

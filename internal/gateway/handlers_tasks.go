package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/orchestrator"
)

type createTaskRequest struct {
	TaskID        string        `json:"taskId" binding:"required"`
	ProjectID     string        `json:"projectId"`
	InitialPrompt string        `json:"initialPrompt" binding:"required"`
	Agent         string        `json:"agent"`
	Model         *modelRequest `json:"model"`
}

type modelRequest struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

type followUpRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (m *modelRequest) toModelRef() *ar.ModelRef {
	if m == nil {
		return nil
	}
	return &ar.ModelRef{ProviderID: m.ProviderID, ModelID: m.ModelID}
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Tasks.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	t, found, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeError(c, apperrors.NotFound("task", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	result, err := s.deps.Orchestrator.RunTask(c.Request.Context(), orchestrator.RunTaskInput{
		TaskID:        req.TaskID,
		ProjectID:     req.ProjectID,
		InitialPrompt: req.InitialPrompt,
		Agent:         req.Agent,
		Model:         req.Model.toModelRef(),
		CreatedAt:     time.Now(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Task)
}

func (s *Server) followUpTask(c *gin.Context) {
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}
	t, err := s.deps.Orchestrator.SendFollowUpPrompt(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) mergeTask(c *gin.Context) {
	t, err := s.deps.Orchestrator.MergeTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTask(c *gin.Context) {
	t, err := s.deps.Orchestrator.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c *gin.Context) {
	found, err := s.deps.Orchestrator.DeleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeError(c, apperrors.NotFound("task", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

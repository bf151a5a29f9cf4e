package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskforge/taskforge/internal/apperrors"
)

type createProjectRequest struct {
	ID            string `json:"id" binding:"required"`
	Name          string `json:"name"`
	RootDirectory string `json:"rootDirectory" binding:"required"`
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.deps.Projects.ListProjects()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}
	p, err := s.deps.Projects.AddProject(req.ID, req.Name, req.RootDirectory)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) selectProject(c *gin.Context) {
	if err := s.deps.Projects.SelectProject(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeProject(c *gin.Context) {
	if err := s.deps.Projects.RemoveProject(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/orchestrator"
)

type reqCreateRun struct {
	Idea string `json:"idea" binding:"required"`
}

type reqRevert struct {
	Seq int `json:"seq" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.engine.Runs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) createRun(c *gin.Context) {
	var req reqCreateRun
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	id, err := s.engine.Submit(c.Request.Context(), req.Idea)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEngineClosed) {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) getRun(c *gin.Context) {
	snap, err := s.engine.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) abortRun(c *gin.Context) {
	if err := s.engine.Abort(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "aborting"})
}

func (s *Server) resumeRun(c *gin.Context) {
	if err := s.engine.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "resumed"})
}

func (s *Server) revertRun(c *gin.Context) {
	var req reqRevert
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if err := s.engine.Revert(c.Request.Context(), c.Param("id"), req.Seq); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "reverted", "seq": req.Seq})
}

// runMemory lists the shared memory of a run. Query parameters: tag and
// priority filter, q searches keys and content, limit caps a search.
func (s *Server) runMemory(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")
	if _, err := s.engine.Snapshot(ctx, runID); err != nil {
		s.fail(c, err)
		return
	}

	mem := s.engine.Memory(runID)
	var (
		entries []*memory.Entry
		err     error
	)
	if q := c.Query("q"); q != "" {
		limit, convErr := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "limit must be a number"})
			return
		}
		entries, err = mem.Search(ctx, q, limit)
	} else {
		entries, err = mem.List(ctx, memory.Filter{
			Tag:      c.Query("tag"),
			Priority: memory.Priority(c.Query("priority")),
		})
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*memory.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "entries": entries})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.engine.Agents()})
}

func (s *Server) reinstateAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Reinstate(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "reinstated"})
}

// fail maps engine errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound), errors.Is(err, agent.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrRunFinished),
		errors.Is(err, orchestrator.ErrNotRevertible):
		status = http.StatusConflict
	case errors.Is(err, agent.ErrHealthCheckFailed):
		status = http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"err": err.Error()})
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/flowmesh/pkg/scheduler"
)

func (s *Server) handleAlloc(c *gin.Context) {
	var req allocRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, deny := s.sched.Alloc(req.ID, req.Priority, req.UserID, req.TSubmit, req.JobSpec.toJobSpec())
	if deny != nil {
		c.JSON(http.StatusConflict, gin.H{"id": deny.ID, "reason": deny.Reason})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "queued"})
}

func (s *Server) handleFree(c *gin.Context) {
	var req freeRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.Free(req.ID, &req.R, req.Final); err != nil {
		s.log.WithError(err).WithField("id", req.ID).Error("httpapi: free failed, resource state may be corrupt")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": req.ID, "status": "freed"})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, ok := s.sched.Cancel(req.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not pending", "id": req.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": resp.ID, "status": "cancelled"})
}

func (s *Server) handlePrioritize(c *gin.Context) {
	var req prioritizeRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := make([]scheduler.PriorityUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, scheduler.PriorityUpdate{ID: u.ID, Priority: u.Priority})
	}
	s.sched.Prioritize(updates)
	c.JSON(http.StatusOK, gin.H{"status": "reprioritized", "count": len(updates)})
}

func (s *Server) handleFeasibility(c *gin.Context) {
	var req feasibilityRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.FeasibilityCheck(req.JobSpec.toJobSpec()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"satisfiable": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"satisfiable": true})
}

func (s *Server) handleResourceStatus(c *gin.Context) {
	report, err := s.sched.ResourceStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"all":       report.All,
		"allocated": report.Allocated,
		"down":      report.Down,
	})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sheetsync/internal/fieldmap"
	"sheetsync/internal/store"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest = "BAD_REQUEST"
	codeConflict   = "RUN_IN_PROGRESS"
	codeNotFound   = "NOT_FOUND"
	codeInternal   = "INTERNAL_ERROR"
	codeUnhealthy  = "UNHEALTHY"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, APIError{Code: code, Message: msg})
}

// runRequest is the optional body of POST /runs.
type runRequest struct {
	Collections []string `json:"collections"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, codeBadRequest, "invalid run request: "+err.Error())
			return
		}
	}
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))

	if wait {
		rep, err := s.Trigger(c.Request.Context(), req.Collections)
		switch {
		case errors.Is(err, ErrRunInProgress):
			respondError(c, http.StatusConflict, codeConflict, err.Error())
		case err != nil:
			respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		default:
			c.JSON(http.StatusOK, rep)
		}
		return
	}

	if !s.acquire() {
		respondError(c, http.StatusConflict, codeConflict, ErrRunInProgress.Error())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		rep, err := s.run(s.base, req.Collections)
		if err != nil {
			s.log.WithError(err).Error("server: triggered run failed")
			return
		}
		s.log.WithField("run_id", rep.RunID).Info("server: triggered run done")
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleLastRun(c *gin.Context) {
	run, err := s.state.LastRun(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, codeNotFound, "no run recorded yet")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          run.ID,
		"status":      run.Status,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
		"report":      json.RawMessage(run.Report),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.state.Ping(c.Request.Context()); err != nil {
		respondError(c, http.StatusServiceUnavailable, codeUnhealthy, err.Error())
		return
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": running})
}

func (s *Server) handleUnknownFields(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !validStatus(status) {
		respondError(c, http.StatusBadRequest, codeBadRequest, "status must be pending, mapped or ignored")
		return
	}
	obs, err := s.state.UnknownFields(c.Request.Context(), status)
	if err != nil {
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	if obs == nil {
		obs = []fieldmap.Observation{}
	}
	c.JSON(http.StatusOK, obs)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, "invalid status request: "+err.Error())
		return
	}
	if !validStatus(req.Status) {
		respondError(c, http.StatusBadRequest, codeBadRequest, "status must be pending, mapped or ignored")
		return
	}
	err := s.state.SetUnknownFieldStatus(c.Request.Context(), c.Param("collection"), c.Param("field"), req.Status)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, codeNotFound, "no such unknown field")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func validStatus(s string) bool {
	switch s {
	case fieldmap.StatusPending, fieldmap.StatusMapped, fieldmap.StatusIgnored:
		return true
	}
	return false
}

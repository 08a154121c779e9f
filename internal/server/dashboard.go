package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"sheetsync/internal/fieldmap"
	"sheetsync/internal/report"
	"sheetsync/internal/store"
)

//go:embed dashboard.tmpl.html
var dashboardHTML string

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

type dashboardData struct {
	Running  bool
	Schedule string
	Last     *report.RunReport
	Pending  []fieldmap.Observation
}

// handleDashboard renders the last run and the pending unknown fields.
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	s.mu.Lock()
	data := dashboardData{Running: s.running, Schedule: s.cfg.Schedule}
	s.mu.Unlock()

	run, err := s.state.LastRun(ctx)
	switch {
	case err == nil:
		var rep report.RunReport
		if err := json.Unmarshal(run.Report, &rep); err != nil {
			respondError(c, http.StatusInternalServerError, codeInternal, "decode last run: "+err.Error())
			return
		}
		data.Last = &rep
	case !errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	if data.Pending, err = s.state.UnknownFields(ctx, fieldmap.StatusPending); err != nil {
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		s.log.WithError(err).Error("server: render dashboard")
		respondError(c, http.StatusInternalServerError, codeInternal, "render dashboard")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

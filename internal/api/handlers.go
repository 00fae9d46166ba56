package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/supervisor"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

// handleHealthz answers load balancers. Serving at all means alive.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// handleStatus reports the whole system: component states, kill switch,
// breakers, bus subscribers and learning stats.
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"service":   "botfunk",
		"timestamp": time.Now().UTC(),
	}
	s.mu.Lock()
	if !s.started.IsZero() {
		status["uptime_seconds"] = time.Since(s.started).Seconds()
	}
	s.mu.Unlock()

	overall := "healthy"
	if s.deps.Supervisor != nil {
		components := s.deps.Supervisor.Status()
		status["components"] = components
		for _, comp := range components {
			if comp.State == supervisor.StateFatal.String() {
				overall = "degraded"
				break
			}
			if comp.State != supervisor.StateRunning.String() {
				overall = "starting"
			}
		}
	}
	if s.deps.State != nil {
		engaged, reason := s.deps.State.KillSwitch()
		status["kill_switch"] = gin.H{"engaged": engaged, "reason": reason}
		if engaged {
			overall = "halted"
		}
	}
	if s.deps.Breakers != nil {
		status["breakers"] = s.deps.Breakers.Snapshots()
	}
	if s.deps.Bus != nil {
		status["bus"] = s.deps.Bus.Subscribers()
	}
	if s.deps.Learnings != nil {
		status["learnings"] = s.deps.Learnings.Stats()
	}
	status["status"] = overall

	c.JSON(http.StatusOK, status)
}

// handlePositions lists positions, optionally narrowed by symbol and
// status.
func (s *Server) handlePositions(c *gin.Context) {
	if s.deps.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade engine not available"})
		return
	}

	filter := trade.Filter{Symbol: strings.ToUpper(c.Query("symbol"))}
	if raw := c.Query("status"); raw != "" {
		status, ok := parsePositionStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of open, closing, closed"})
			return
		}
		filter.Status = status
	}

	positions := s.deps.Engine.Positions(filter)
	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": len(positions)})
}

func parsePositionStatus(raw string) (state.PositionStatus, bool) {
	switch strings.ToLower(raw) {
	case "open":
		return state.StatusOpen, true
	case "closing":
		return state.StatusClosing, true
	case "closed":
		return state.StatusClosed, true
	}
	return "", false
}

// handleLearnings searches the learning store.
func (s *Server) handleLearnings(c *gin.Context) {
	if s.deps.Learnings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "learning store not available"})
		return
	}

	q := learning.Query{
		Text:      c.Query("q"),
		Component: c.Query("component"),
		Type:      learning.Type(c.Query("type")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}

	results := s.deps.Learnings.Search(q)
	c.JSON(http.StatusOK, gin.H{
		"learnings": results,
		"total":     len(results),
		"stats":     s.deps.Learnings.Stats(),
	})
}

// handleAudit returns the tail of the audit journal, oldest first.
func (s *Server) handleAudit(c *gin.Context) {
	if s.deps.State == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store not available"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.deps.State.ReadAuditTail(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

type killSwitchRequest struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

// handleKillSwitch flips the persisted kill switch and announces the
// change on the bus. Engaging requires a reason; the audit journal is
// only as useful as the reasons in it.
func (s *Server) handleKillSwitch(c *gin.Context) {
	if s.deps.State == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store not available"})
		return
	}
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	if req.Engaged && req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required to engage the kill switch"})
		return
	}

	if err := s.deps.State.SetKillSwitch(req.Actor, req.Engaged, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist kill switch"})
		return
	}

	if s.deps.Bus != nil {
		msgType := bus.TypeKillSwitchSet
		if !req.Engaged {
			msgType = bus.TypeKillSwitchClear
		}
		msg := bus.NewMessage(msgType, req.Actor).
			WithPriority(bus.PriorityCritical).
			WithData(map[string]interface{}{"engaged": req.Engaged, "reason": req.Reason})
		if _, err := s.deps.Bus.Publish(msg); err != nil {
			s.log.Warn().Err(err).Msg("Failed to announce kill switch change")
		}
	}
	if s.deps.Alerts != nil {
		if err := s.deps.Alerts.KillSwitchChanged(c.Request.Context(), req.Actor, req.Engaged, req.Reason); err != nil {
			s.log.Warn().Err(err).Msg("Failed to alert kill switch change")
		}
	}

	engaged, reason := s.deps.State.KillSwitch()
	c.JSON(http.StatusOK, gin.H{"engaged": engaged, "reason": reason})
}

type restartRequest struct {
	Component string `json:"component"`
	Actor     string `json:"actor"`
}

// handleRestart asks the supervisor to recycle one component. The request
// travels over the bus so any observer sees the same control stream the
// supervisor does.
func (s *Server) handleRestart(c *gin.Context) {
	if s.deps.Supervisor == nil || s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervisor not available"})
		return
	}
	var req restartRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Component == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "component is required"})
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	known := false
	for _, comp := range s.deps.Supervisor.Status() {
		if comp.Name == req.Component {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown component"})
		return
	}

	msg := bus.NewMessage(bus.TypeComponentRestart, req.Actor).
		WithPriority(bus.PriorityHigh).
		WithKey(req.Component)
	if _, err := s.deps.Bus.Publish(msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish restart command"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"component": req.Component, "requested": true})
}

type breakerRequest struct {
	Name   string `json:"name"`
	State  string `json:"state"` // "open" or "close"
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// handleBreaker forces a circuit open or closed.
func (s *Server) handleBreaker(c *gin.Context) {
	if s.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breaker registry not available"})
		return
	}
	var req breakerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if req.State != "open" && req.State != "close" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be open or close"})
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	if req.Reason == "" {
		req.Reason = "forced via api by " + req.Actor
	}

	brk, ok := s.deps.Breakers.Get(req.Name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker"})
		return
	}

	if req.State == "open" {
		brk.ForceOpen(req.Reason)
	} else {
		brk.ForceClose(req.Reason)
	}

	if s.deps.Bus != nil {
		msg := bus.NewMessage(bus.TypeBreakerForce, req.Actor).
			WithPriority(bus.PriorityHigh).
			WithKey(req.Name).
			WithData(map[string]interface{}{"state": req.State, "reason": req.Reason})
		if _, err := s.deps.Bus.Publish(msg); err != nil {
			s.log.Warn().Err(err).Msg("Failed to announce breaker force")
		}
	}
	if s.deps.Alerts != nil {
		if err := s.deps.Alerts.BreakerForced(c.Request.Context(), req.Name, req.State, req.Actor); err != nil {
			s.log.Warn().Err(err).Msg("Failed to alert breaker force")
		}
	}

	c.JSON(http.StatusOK, brk.Snapshot())
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/radioctl/internal/twt"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AgreementRequest is the body of POST /twt/agreements.
type AgreementRequest struct {
	Op             string `json:"op"`
	Peer           string `json:"peer"`
	Flow           uint8  `json:"flow"`
	Command        string `json:"command,omitempty"`
	WakeTimeUS     uint64 `json:"wake_time_us"`
	WakeIntervalUS uint64 `json:"wake_interval_us"`
	WakeDurationUS uint32 `json:"wake_duration_us"`
	Trigger        bool   `json:"trigger,omitempty"`
	Unannounced    bool   `json:"unannounced,omitempty"`
}

type agreementView struct {
	Peer           string `json:"peer"`
	Flow           uint8  `json:"flow"`
	State          string `json:"state"`
	WakeTimeUS     uint64 `json:"wake_time_us"`
	WakeIntervalUS uint64 `json:"wake_interval_us"`
	WakeDurationUS uint32 `json:"wake_duration_us"`
	Bucket         int    `json:"bucket,omitempty"`
	Installed      bool   `json:"installed"`
}

type slotView struct {
	Peer           string `json:"peer"`
	Flow           uint8  `json:"flow"`
	WakeTimeUS     uint64 `json:"wake_time_us"`
	WakeDurationUS uint32 `json:"wake_duration_us"`
}

type bucketView struct {
	ID         int        `json:"id"`
	IntervalUS uint64     `json:"interval_us"`
	Members    []slotView `json:"members"`
}

type outboxView struct {
	Peer     string    `json:"peer"`
	Flow     uint8     `json:"flow"`
	Command  string    `json:"command"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queued_at"`
	Error    string    `json:"last_error,omitempty"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"version": "0.1.0",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    s.ctl != nil,
			"role":     s.role(),
			"stations": s.stations(),
		})
	})

	g := r.Group("/twt", s.requireToken())
	g.GET("/agreements", s.listAgreements)
	g.POST("/agreements", s.postAgreement)
	g.DELETE("/agreements/:peer/:flow", s.deleteAgreement)
	g.GET("/buckets", s.listBuckets)
	g.GET("/outbox", s.listOutbox)
}

func (s *Server) role() string {
	if s.ctl == nil {
		return ""
	}
	return s.ctl.Role().String()
}

func (s *Server) stations() int {
	if s.ctl == nil {
		return 0
	}
	return s.ctl.Stations()
}

func (s *Server) listAgreements(c *gin.Context) {
	list := s.ctl.Agreements()
	out := make([]agreementView, 0, len(list))
	for _, a := range list {
		out = append(out, agreementView{
			Peer:           a.Ref.Peer.String(),
			Flow:           a.Ref.Flow,
			State:          a.State.String(),
			WakeTimeUS:     a.Data.WakeTimeUS,
			WakeIntervalUS: a.Data.WakeIntervalUS,
			WakeDurationUS: a.Data.WakeDurationUS,
			Bucket:         int(a.Bucket),
			Installed:      a.Installed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agreements": out})
}

func (s *Server) listBuckets(c *gin.Context) {
	list := s.ctl.Buckets()
	out := make([]bucketView, 0, len(list))
	for _, b := range list {
		members := make([]slotView, 0, len(b.Members))
		for _, m := range b.Members {
			members = append(members, slotView{
				Peer:           m.Ref.Peer.String(),
				Flow:           m.Ref.Flow,
				WakeTimeUS:     m.WakeTimeUS,
				WakeDurationUS: m.DurationUS,
			})
		}
		out = append(out, bucketView{ID: int(b.ID), IntervalUS: b.IntervalUS, Members: members})
	}
	c.JSON(http.StatusOK, gin.H{"buckets": out})
}

func (s *Server) listOutbox(c *gin.Context) {
	list := s.ctl.Outbox()
	out := make([]outboxView, 0, len(list))
	for _, p := range list {
		cmd := p.Command.String()
		if p.Teardown {
			cmd = "teardown"
		}
		out = append(out, outboxView{
			Peer:     p.Ref.Peer.String(),
			Flow:     p.Ref.Flow,
			Command:  cmd,
			Attempts: p.Attempts,
			QueuedAt: p.QueuedAt,
			Error:    p.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"outbox": out})
}

func (s *Server) postAgreement(c *gin.Context) {
	var req AgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := req.localCommand()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctl.Execute(cmd); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "ok",
		"op":     cmd.Op.String(),
		"peer":   cmd.Peer.String(),
		"flow":   cmd.Flow,
	})
}

func (s *Server) deleteAgreement(c *gin.Context) {
	peer, err := twt.ParseAddr(c.Param("peer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	flow, err := strconv.ParseUint(c.Param("flow"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := twt.LocalCommand{Op: twt.OpRemove, Peer: peer, Flow: uint8(flow)}
	if err := s.ctl.Execute(cmd); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r AgreementRequest) localCommand() (twt.LocalCommand, error) {
	op, err := twt.ParseLocalOp(r.Op)
	if err != nil {
		return twt.LocalCommand{}, err
	}
	if op == twt.OpRemove {
		return twt.LocalCommand{}, errors.New("server: use DELETE to remove an agreement")
	}
	peer, err := twt.ParseAddr(r.Peer)
	if err != nil {
		return twt.LocalCommand{}, err
	}
	cmd := twt.LocalCommand{
		Op:   op,
		Peer: peer,
		Flow: r.Flow,
		Data: twt.AgreementData{
			WakeTimeUS:     r.WakeTimeUS,
			WakeIntervalUS: r.WakeIntervalUS,
			WakeDurationUS: r.WakeDurationUS,
		},
	}
	if r.Trigger {
		cmd.Data.RequestType |= twt.ReqTrigger
	}
	if r.Unannounced {
		cmd.Data.RequestType |= twt.ReqImplicit | twt.ReqUnannounced
	}
	if r.Command != "" {
		sc, err := parseSetupCommand(r.Command)
		if err != nil {
			return twt.LocalCommand{}, err
		}
		cmd.Command = sc
	}
	return cmd, nil
}

func parseSetupCommand(s string) (twt.SetupCommand, error) {
	for c := twt.CmdRequest; c <= twt.CmdReject; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.New("server: unknown setup command " + strconv.Quote(s))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, twt.ErrNoAgreement):
		return http.StatusNotFound
	case errors.Is(err, twt.ErrAgreementActive), errors.Is(err, twt.ErrNoSlot), errors.Is(err, twt.ErrRoleMismatch):
		return http.StatusConflict
	case errors.Is(err, twt.ErrStationTableFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, twt.ErrInvalidFlow), errors.Is(err, twt.ErrInvalidInterval),
		errors.Is(err, twt.ErrDurationExceedsInterval), errors.Is(err, twt.ErrUnsupportedCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package boundary hosts the HTTP/WebSocket surface (§6): the
// `/transcribe` upgrade and query-param admission, and `/health`. It
// mirrors the teacher's router package (gin.Engine wiring one handler
// per route) and its gorilla/websocket upgrader pattern from
// api/talk/webrtc.go.
package boundary

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/config"
	"github.com/rapidaai/sttproxy/internal/model"
	"github.com/rapidaai/sttproxy/internal/session"
	"github.com/rapidaai/sttproxy/internal/tracedump"
	"go.uber.org/zap"
)

const maxTagLength = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the gin engine to the session registry and config.
type Server struct {
	cfg      *config.AppConfig
	registry *session.Registry
	logger   *zap.SugaredLogger
	sink     metricsSink
	dump     *tracedump.Dump // nil when DEBUG is disabled
}

// metricsSink is the narrow interface boundary needs from
// internal/metrics, kept local to avoid importing the metrics package
// into this file's public surface just for a type alias.
type metricsSink interface {
	Inc(name string, tags ...string)
}

// NewServer constructs a Server. dump may be nil.
func NewServer(cfg *config.AppConfig, registry *session.Registry, sink metricsSink, logger *zap.SugaredLogger, dump *tracedump.Dump) *Server {
	return &Server{cfg: cfg, registry: registry, sink: sink, logger: logger, dump: dump}
}

// Routes registers /health and /transcribe on engine.
func (s *Server) Routes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/transcribe", s.handleTranscribe)
	engine.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusBadRequest)
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleTranscribe implements §6's admission and upgrade sequence.
func (s *Server) handleTranscribe(c *gin.Context) {
	opts, tags, err := parseQuery(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts.Tags = tags

	provider, err := session.ResolveProvider(s.cfg, opts.Provider)
	// Deferred: we still need to upgrade first so an invalid-provider
	// rejection can use the §6 close-code contract (1002) rather than a
	// pre-upgrade HTTP error, matching "reject with a close code."
	conn, upErr := upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		s.logger.Warnw("boundary: websocket upgrade failed", "error", upErr)
		return
	}

	if err != nil {
		s.logger.Warnw("boundary: rejecting connection, invalid provider", "error", err)
		closeWithCode(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	opts.Provider = provider

	sess := s.admit(conn, opts)
	s.readLoop(conn, sess)
}

// admit reattaches opts.SessionID to a detached Session if one exists
// within its grace window, otherwise builds and registers a fresh one
// (§4.6).
func (s *Server) admit(conn *websocket.Conn, opts session.Options) *session.Session {
	if opts.SessionID != "" {
		if sess, ok := s.registry.Reattach(opts.SessionID, conn); ok {
			s.logger.Infow("boundary: reattached session", "sessionId", opts.SessionID)
			return sess
		}
	}

	sess := session.New(conn, opts, s.cfg, s.sink, s.logger, func(code int, reason string) {
		closeWithCode(conn, code, reason)
	}, s.dump)
	s.registry.Register(sess)
	return sess
}

func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if s.dump != nil {
			s.dump.WriteInbound(sess.ID(), raw)
		}
		sess.HandleInbound(raw)
	}
	s.registry.Detach(sess.ID(), sess)
}

// closeWithCode writes a close frame with the given code/reason and
// closes the underlying socket. Best-effort: errors are not actionable
// here since the connection is already going away.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

// parseQuery builds session.Options from the `/transcribe` query string
// (§6). Returns an error for the admission rules enforceable before
// upgrade: at least one output sink must be requested, and no tag may
// exceed 128 characters.
func parseQuery(r *http.Request) (session.Options, []string, error) {
	q := r.URL.Query()

	sendBack := parseBool(q.Get("sendBack"))
	sendBackInterim := parseBool(q.Get("sendBackInterim"))
	useDispatcher := parseBool(q.Get("useDispatcher"))
	if !sendBack && !sendBackInterim && !useDispatcher {
		return session.Options{}, nil, errNoSink
	}

	encoding := model.EncodingOpus
	if e := q.Get("encoding"); e == "ogg-opus" {
		encoding = model.EncodingOggOpus
	}

	tags := q["tag"]
	for _, t := range tags {
		if len(t) > maxTagLength {
			return session.Options{}, nil, errTagTooLong
		}
	}

	opts := session.Options{
		SessionID:       q.Get("sessionId"),
		Provider:        q.Get("provider"),
		Language:        q.Get("lang"),
		Encoding:        encoding,
		SendBack:        sendBack,
		SendBackInterim: sendBackInterim,
	}
	return opts, tags, nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

var (
	errNoSink     = sinkError("at least one of sendBack, sendBackInterim, or useDispatcher is required")
	errTagTooLong = sinkError("tag exceeds 128 characters")
)

type sinkError string

func (e sinkError) Error() string { return string(e) }

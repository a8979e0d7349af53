// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry is the process-singleton tracking every Session across
// reconnects (§4.6). At any instant a sessionId belongs to at most one
// of active/detached.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*Session
	detached map[string]*detachedEntry

	resumeEnabled bool
	gracePeriod   time.Duration
	logger        *zap.SugaredLogger
}

type detachedEntry struct {
	session *Session
	timer   *time.Timer
}

// NewRegistry constructs an empty Registry. gracePeriod <= 0 behaves as
// "resume disabled" regardless of resumeEnabled.
func NewRegistry(resumeEnabled bool, gracePeriod time.Duration, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		active:        make(map[string]*Session),
		detached:      make(map[string]*detachedEntry),
		resumeEnabled: resumeEnabled && gracePeriod > 0,
		gracePeriod:   gracePeriod,
		logger:        logger,
	}
}

// Register inserts a newly-admitted session into active. Any Session
// already active under the same id is closed first, client WS and
// pipelines alike; the new session does not take over its pipelines.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[s.id]; ok {
		r.logger.Warnw("registry: duplicate active session, force-closing previous connection", "sessionId", s.id)
		existing.Close()
	}
	if entry, ok := r.detached[s.id]; ok {
		entry.timer.Stop()
		delete(r.detached, s.id)
	}
	r.active[s.id] = s
}

// HasActive reports whether id is currently bound to a live connection.
func (r *Registry) HasActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// HasDetached reports whether id is within its resume grace window.
func (r *Registry) HasDetached(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.detached[id]
	return ok
}

// Detach moves s from active to detached on client disconnect and arms
// the grace-period timer. If resumption is disabled or id is empty, the
// session is closed immediately instead (§4.6).
func (r *Registry) Detach(id string, s *Session) {
	r.mu.Lock()
	if id == "" || !r.resumeEnabled {
		delete(r.active, id)
		r.mu.Unlock()
		s.Close()
		return
	}

	delete(r.active, id)
	entry := &detachedEntry{session: s}
	entry.timer = time.AfterFunc(r.gracePeriod, func() { r.expire(id) })
	r.detached[id] = entry
	r.mu.Unlock()
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	entry, ok := r.detached[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.detached, id)
	r.mu.Unlock()

	r.logger.Infow("registry: grace period expired, closing session", "sessionId", id)
	entry.session.Close()
}

// Reattach cancels id's grace timer, moves it back to active, and swaps
// its bound WebSocket atomically; in-flight pipelines are untouched
// (§4.6). Returns nil, false if id has no detached session (grace
// already expired, or id was never detached).
func (r *Registry) Reattach(id string, newConn *websocket.Conn) (*Session, bool) {
	r.mu.Lock()
	entry, ok := r.detached[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	entry.timer.Stop()
	delete(r.detached, id)
	r.active[id] = entry.session
	r.mu.Unlock()

	entry.session.SwapConn(newConn)
	return entry.session, true
}

// Shutdown cancels every grace timer and closes every active and
// detached session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actives := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		actives = append(actives, s)
	}
	detached := make([]*detachedEntry, 0, len(r.detached))
	for _, e := range r.detached {
		detached = append(detached, e)
	}
	r.active = make(map[string]*Session)
	r.detached = make(map[string]*detachedEntry)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range actives {
		s := s
		g.Go(func() error { s.Close(); return nil })
	}
	for _, e := range detached {
		e := e
		g.Go(func() error { e.timer.Stop(); e.session.Close(); return nil })
	}
	_ = g.Wait()
}

package process

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
)

// Response is a session's assembled reply.
type Response struct {
	SessionID string
	Content   string
	ExitCode  int
}

// ResponseCollector assembles one session's reply from its event stream.
// Streamed assistant fragments are buffered until assistant_done; when
// the stream closed with no fragments, the next lone assistant event
// stands as the whole response; session_exited completes with whatever
// arrived by then. Create the collector before StartProcess so the
// first event cannot be missed.
type ResponseCollector struct {
	sessionID string
	unsub     func()

	mu        sync.Mutex
	fragments []string
	doneSeen  bool

	once   sync.Once
	result chan Response
}

// NewResponseCollector subscribes to the session's event stream.
func NewResponseCollector(m Manager, sessionID string) *ResponseCollector {
	c := &ResponseCollector{
		sessionID: sessionID,
		result:    make(chan Response, 1),
	}
	c.unsub = m.Subscribe(sessionID, c.observe)
	return c
}

func (c *ResponseCollector) observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case EventAssistant:
		if c.doneSeen && len(c.fragments) == 0 {
			// The stream closed empty; this single reply is the
			// whole response.
			c.complete(Response{SessionID: c.sessionID, Content: ev.Content})
			return
		}
		c.fragments = append(c.fragments, ev.Content)
	case EventAssistantDone:
		c.doneSeen = true
		if len(c.fragments) > 0 {
			c.complete(Response{SessionID: c.sessionID, Content: strings.Join(c.fragments, "")})
		}
	case EventSessionExited:
		c.complete(Response{
			SessionID: c.sessionID,
			Content:   strings.Join(c.fragments, ""),
			ExitCode:  ev.ExitCode,
		})
	}
}

func (c *ResponseCollector) complete(r Response) {
	c.once.Do(func() {
		c.unsub()
		c.result <- r
	})
}

// Wait blocks until the response completes or ctx is done.
func (c *ResponseCollector) Wait(ctx context.Context) (Response, error) {
	select {
	case r := <-c.result:
		return r, nil
	case <-ctx.Done():
		c.Stop()
		return Response{}, ctx.Err()
	}
}

// Stop abandons collection and unsubscribes. Safe to call after the
// response already completed.
func (c *ResponseCollector) Stop() {
	c.once.Do(func() { c.unsub() })
}

// TrackLifecycle records a session on the active-sessions gauge and, on
// session_exited, decrements it and observes the session's wall-clock
// duration. Call before StartProcess; the returned cancel undoes the
// gauge when the start fails. met may be nil.
func TrackLifecycle(m Manager, sessionID string, met *metrics.Metrics) (cancel func()) {
	if met == nil {
		return func() {}
	}
	start := time.Now()
	met.ActiveSessions.Inc()

	exited := make(chan struct{})
	var exitOnce sync.Once
	unsub := m.Subscribe(sessionID, func(ev Event) {
		if ev.Type == EventSessionExited {
			exitOnce.Do(func() { close(exited) })
		}
	})

	var settle sync.Once
	go func() {
		<-exited
		settle.Do(func() {
			unsub()
			met.ActiveSessions.Dec()
			met.SessionDuration.Observe(time.Since(start).Seconds())
		})
	}()
	return func() {
		settle.Do(func() {
			unsub()
			met.ActiveSessions.Dec()
		})
		exitOnce.Do(func() { close(exited) })
	}
}

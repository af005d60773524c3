// Package widget holds the per-user session of the forecast widget: the current
// query, its persistence, and the guard that keeps only the latest query's
// results on screen.
package widget

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
	"github.com/kjstillabower/forecast-widget/internal/store"
)

// Resolver is the pipeline a Session drives.
type Resolver interface {
	Resolve(ctx context.Context, seq uint64, query string, emit resolver.Emitter) models.Forecast
}

// Session tracks one user's query. Each change is persisted, tagged with a new
// sequence number and resolved in the background; the previous resolution is
// canceled and its remaining events are dropped.
type Session struct {
	store    store.Store
	resolver Resolver
	logger   *zap.Logger
	events   chan resolver.Event
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	query  string
	seq    uint64
	cancel context.CancelFunc
	closed bool
}

// NewSession returns a Session. buffer sizes the event channel.
func NewSession(st store.Store, r Resolver, logger *zap.Logger, buffer int) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Session{
		store:    st,
		resolver: r,
		logger:   logger,
		events:   make(chan resolver.Event, buffer),
		done:     make(chan struct{}),
	}
}

// Events delivers resolution events in emission order. It is closed by Close.
func (s *Session) Events() <-chan resolver.Event {
	return s.events
}

// Query returns the current query.
func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// Latest returns the sequence number of the current query.
func (s *Session) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Restore reads the persisted location and applies it as the first query.
// A missing key restores the empty query, which triggers nothing. A store
// error is logged and treated as missing.
func (s *Session) Restore(ctx context.Context) string {
	location, _, err := s.store.Get(ctx, store.LocationKey)
	if err != nil {
		s.logger.Warn("restore location failed", zap.Error(err))
		location = ""
	}
	s.SetQuery(ctx, location)
	return location
}

// SetQuery applies a new query value. Unchanged values are ignored and return false.
// Otherwise the value is persisted and a resolution starts; SetQuery does not wait for it.
func (s *Session) SetQuery(ctx context.Context, query string) bool {
	s.mu.Lock()
	if s.closed || query == s.query {
		s.mu.Unlock()
		return false
	}
	s.query = query
	s.seq++
	seq := s.seq
	if s.cancel != nil {
		s.cancel()
	}
	resolveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.store.Set(ctx, store.LocationKey, query); err != nil {
		s.logger.Warn("persist location failed", zap.String("query", query), zap.Error(err))
	}

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.resolver.Resolve(resolveCtx, seq, query, s.emit)
	}()
	return true
}

// emit forwards e unless a newer query has started. A newer query can still begin
// between the check and the send; State.Apply drops those.
func (s *Session) emit(e resolver.Event) {
	s.mu.Lock()
	stale := e.Seq != s.seq
	s.mu.Unlock()
	if stale {
		observability.StaleEventsDiscardedTotal.Inc()
		s.logger.Debug("dropping stale event", zap.Uint64("seq", e.Seq), zap.Stringer("kind", e.Kind))
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// Wait blocks until every started resolution has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels the in-flight resolution, waits for it, and closes Events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	close(s.events)
}

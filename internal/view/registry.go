package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/policy-lab/polis/internal/domain"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = 30 * time.Second
)

// RegistryMetrics tracks the registry's size.
type RegistryMetrics interface {
	ViewsActive(n int)
	ViewEvicted()
}

type entry struct {
	view       *View
	sessionKey string
}

// Registry holds the open views of this instance. A view belongs to the session that opened it.
type Registry struct {
	opts        Options
	idleTimeout time.Duration
	metrics     RegistryMetrics

	mu    sync.Mutex
	views map[string]entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry starts the idle sweeper. idleTimeout <= 0 uses the default.
func NewRegistry(opts Options, idleTimeout time.Duration, metrics RegistryMetrics) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	r := &Registry{
		opts:        opts,
		idleTimeout: idleTimeout,
		metrics:     metrics,
		views:       make(map[string]entry),
		stopCh:      make(chan struct{}),
	}
	r.startSweeper()
	return r
}

// Open creates a view for conversationID owned by sessionKey.
func (r *Registry) Open(ctx context.Context, conversationID string, owner domain.Identity, sessionKey string, backend Backend) (*View, error) {
	id := uuid.NewString()
	v, err := Open(ctx, id, conversationID, owner, backend, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.views[id] = entry{view: v, sessionKey: sessionKey}
	n := len(r.views)
	r.mu.Unlock()

	r.reportSize(n)
	return v, nil
}

// Get returns the view if it exists and belongs to sessionKey. A view owned by another
// session is reported as not found.
func (r *Registry) Get(id, sessionKey string) (*View, error) {
	r.mu.Lock()
	e, ok := r.views[id]
	r.mu.Unlock()

	if !ok || e.sessionKey != sessionKey {
		return nil, domain.ErrViewNotFound
	}
	return e.view, nil
}

// Remove tears the view down and disconnects its browsers.
func (r *Registry) Remove(id, sessionKey string) error {
	r.mu.Lock()
	e, ok := r.views[id]
	if !ok || e.sessionKey != sessionKey {
		r.mu.Unlock()
		return domain.ErrViewNotFound
	}
	delete(r.views, id)
	n := len(r.views)
	r.mu.Unlock()

	r.closeView(e.view)
	r.reportSize(n)
	return nil
}

// RemoveSession tears down every view owned by sessionKey. Used on logout.
func (r *Registry) RemoveSession(sessionKey string) int {
	r.mu.Lock()
	var removed []*View
	for id, e := range r.views {
		if e.sessionKey == sessionKey {
			removed = append(removed, e.view)
			delete(r.views, id)
		}
	}
	n := len(r.views)
	r.mu.Unlock()

	for _, v := range removed {
		r.closeView(v)
	}
	r.reportSize(n)
	return len(removed)
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// EvictIdle closes views unused for longer than the idle timeout.
func (r *Registry) EvictIdle() int {
	r.mu.Lock()
	var evicted []*View
	for id, e := range r.views {
		if e.view.idleFor() > r.idleTimeout {
			evicted = append(evicted, e.view)
			delete(r.views, id)
		}
	}
	n := len(r.views)
	r.mu.Unlock()

	for _, v := range evicted {
		slog.Info("Evicting idle view", "view_id", v.ID(), "conversation_id", v.ConversationID())
		r.closeView(v)
		if r.metrics != nil {
			r.metrics.ViewEvicted()
		}
	}
	if len(evicted) > 0 {
		r.reportSize(n)
	}
	return len(evicted)
}

func (r *Registry) startSweeper() {
	ticker := r.opts.Clock.NewTicker(sweepInterval)
	r.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				r.EvictIdle()
			case <-r.stopCh:
				return
			}
		}
	})
	slog.Info("View sweeper started", "interval", sweepInterval.String(), "idle_timeout", r.idleTimeout.String())
}

// Stop halts the sweeper and closes every view.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	views := make([]*View, 0, len(r.views))
	for id, e := range r.views {
		views = append(views, e.view)
		delete(r.views, id)
	}
	r.mu.Unlock()

	for _, v := range views {
		r.closeView(v)
	}
	r.reportSize(0)
}

func (r *Registry) closeView(v *View) {
	v.Close()
	r.opts.Publisher.CloseView(v.ID())
}

func (r *Registry) reportSize(n int) {
	if r.metrics != nil {
		r.metrics.ViewsActive(n)
	}
}

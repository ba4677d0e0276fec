// Package daemon supervises long-running components. It replaces pid-file
// orchestration: a crashed component is restarted with backoff, and
// liveness is reported over HTTP instead of being inferred from process
// listings.
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Component is a daemon the supervisor runs: a dispatcher, the observer,
// the reconciler, the API server. Run blocks until ctx ends or the
// component fails.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// Health is one component's externally visible state.
type Health struct {
	State     string    `json:"state"` // running | backoff | stopped
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

type Supervisor struct {
	comps []Component
	addr  string // health endpoint; empty disables it
	log   *zap.SugaredLogger

	backoffInitial time.Duration
	backoffMax     time.Duration

	mu     sync.Mutex
	health map[string]*Health
}

func NewSupervisor(addr string, log *zap.SugaredLogger, comps ...Component) *Supervisor {
	return &Supervisor{
		comps:          comps,
		addr:           addr,
		log:            log,
		backoffInitial: time.Second,
		backoffMax:     time.Minute,
		health:         make(map[string]*Health),
	}
}

// Run supervises all components until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.addr != "" {
		go s.serveHealth(ctx)
	}

	var wg sync.WaitGroup
	for _, c := range s.comps {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			s.supervise(ctx, c)
		}(c)
	}
	wg.Wait()
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, c Component) {
	backoff := s.backoffInitial
	for {
		s.setHealth(c.Name(), "running", "")
		err := c.Run(ctx)

		if ctx.Err() != nil {
			s.setHealth(c.Name(), "stopped", "")
			return
		}
		if err == nil {
			// Component chose to stop while the process keeps going;
			// treat like a crash so it comes back.
			err = context.Canceled
		}

		s.log.Errorw("component exited, restarting", "component", c.Name(), "backoff", backoff, "err", err)
		s.setHealthErr(c.Name(), "backoff", err)

		select {
		case <-ctx.Done():
			s.setHealth(c.Name(), "stopped", "")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

func (s *Supervisor) setHealth(name, state, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		h = &Health{}
		s.health[name] = h
	}
	if state == "running" && h.State == "backoff" {
		h.Restarts++
	}
	h.State = state
	h.LastError = lastErr
	h.Since = time.Now()
}

func (s *Supervisor) setHealthErr(name, state string, err error) {
	s.setHealth(name, state, err.Error())
}

// Snapshot returns a copy of all component states.
func (s *Supervisor) Snapshot() map[string]Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Health, len(s.health))
	for name, h := range s.health {
		out[name] = *h
	}
	return out
}

// serveHealth exposes GET /healthz: 200 when every component is running,
// 503 otherwise, always with the full state map as JSON.
func (s *Supervisor) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := s.Snapshot()
		code := http.StatusOK
		for _, h := range snap {
			if h.State != "running" {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(snap)
	})

	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorw("health endpoint failed", "addr", s.addr, "err", err)
	}
}

// Package health synthesizes the cube's operational status and optionally
// pushes a heartbeat to an external uptime monitor.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/httpkit"
)

// SessionPinger reports whether durable session storage is reachable.
type SessionPinger interface {
	Ping() error
}

// HAPinger reports whether Home Assistant answers its API check.
type HAPinger interface {
	Ping(ctx context.Context) error
}

// PresenceReader exposes the motion sensor's view of the space.
type PresenceReader interface {
	Occupied() bool
	LastMotion() time.Time
}

// Status is the health snapshot served on /health and summarized in the
// heartbeat push.
type Status struct {
	Status        string                      `json:"status"` // ok or degraded
	Uptime        string                      `json:"uptime"`
	Persistence   string                      `json:"persistence"`              // ok or degraded
	HomeAssistant string                      `json:"home_assistant,omitempty"` // ok or unreachable
	Occupied      *bool                       `json:"occupied,omitempty"`
	LastMotion    string                      `json:"last_motion,omitempty"`
	Breakers      map[string]breaker.Snapshot `json:"breakers"`
}

// Config configures the reporter. Store and Breakers are required; the
// rest are optional and simply left out of the status when nil or empty.
type Config struct {
	Store    SessionPinger
	Breakers *breaker.Registry
	HA       HAPinger
	Presence PresenceReader

	// PushURL, when set, receives a heartbeat GET on every interval
	// (push-style uptime monitors). Empty disables the push loop.
	PushURL  string
	Interval time.Duration

	Logger *slog.Logger
}

// Reporter computes health status on demand and runs the push loop.
type Reporter struct {
	cfg       Config
	client    *http.Client
	startedAt time.Time

	mu       sync.Mutex
	lastPush error
}

// New creates a health reporter.
func New(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "health")
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reporter{
		cfg:       cfg,
		client:    httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		startedAt: time.Now(),
	}
}

// Check assembles the current status. An open breaker, unreachable store,
// or unreachable Home Assistant all mark the cube degraded; it keeps
// talking either way, this is for operators.
func (r *Reporter) Check(ctx context.Context) Status {
	st := Status{
		Status:      "ok",
		Uptime:      time.Since(r.startedAt).Round(time.Second).String(),
		Persistence: "ok",
	}

	if err := r.cfg.Store.Ping(); err != nil {
		st.Persistence = "degraded"
		st.Status = "degraded"
	}

	st.Breakers = r.cfg.Breakers.Snapshots()
	for _, snap := range st.Breakers {
		if snap.State == breaker.StateOpen.String() {
			st.Status = "degraded"
		}
	}

	if r.cfg.HA != nil {
		if err := r.cfg.HA.Ping(ctx); err != nil {
			st.HomeAssistant = "unreachable"
			st.Status = "degraded"
		} else {
			st.HomeAssistant = "ok"
		}
	}

	if r.cfg.Presence != nil {
		occupied := r.cfg.Presence.Occupied()
		st.Occupied = &occupied
		if t := r.cfg.Presence.LastMotion(); !t.IsZero() {
			st.LastMotion = t.Format(time.RFC3339)
		}
	}

	return st
}

// Start runs the heartbeat push loop until ctx is cancelled. It blocks,
// and returns immediately when no push URL is configured.
func (r *Reporter) Start(ctx context.Context) {
	if r.cfg.PushURL == "" {
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.push(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.push(ctx)
		}
	}
}

// push sends one heartbeat. Monitors in the push style treat any request
// as "alive"; status and message ride along as query parameters.
func (r *Reporter) push(ctx context.Context) {
	st := r.Check(ctx)

	target, err := buildPushURL(r.cfg.PushURL, st)
	if err != nil {
		r.cfg.Logger.Warn("invalid health push url", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		r.setLastPush(err)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.cfg.Logger.Warn("health push failed", "error", err)
		r.setLastPush(err)
		return
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("health push: status %d", resp.StatusCode)
		r.cfg.Logger.Warn("health push rejected", "status", resp.StatusCode)
		r.setLastPush(err)
		return
	}
	r.setLastPush(nil)
}

// LastPushError reports the outcome of the most recent heartbeat push.
func (r *Reporter) LastPushError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPush
}

func (r *Reporter) setLastPush(err error) {
	r.mu.Lock()
	r.lastPush = err
	r.mu.Unlock()
}

func buildPushURL(base string, st Status) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("status") == "" {
		pushStatus := "up"
		if st.Status != "ok" {
			pushStatus = "down"
		}
		q.Set("status", pushStatus)
	}
	if q.Get("msg") == "" {
		q.Set("msg", st.Status)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

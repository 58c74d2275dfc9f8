// Package status serves a small HTTP introspection surface: health, live
// timers, recent events and the audit tail.
//
// The endpoints are unauthenticated and intended for localhost use only.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hookbot/internal/audit"
	"hookbot/internal/eventbus"
	"hookbot/internal/registry"
	"hookbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:8990"

type Config struct {
	Enabled bool
	Addr    string
}

// JobLister is the registry view the server exposes.
type JobLister interface {
	ListActive() []registry.JobInfo
}

// AuditReader serves the audit tail. Implemented by internal/storage.
type AuditReader interface {
	ListRecentAudit(ctx context.Context, limit int) ([]audit.Entry, error)
}

type Service struct {
	cfg   Config
	jobs  JobLister
	aud   AuditReader
	bus   eventbus.Bus
	log   logx.Logger
	start time.Time

	srv   *http.Server
	unsub func()

	mu     sync.Mutex
	recent []eventbus.Event // ring of the latest engine events
}

const recentCap = 100

func New(cfg Config, jobs JobLister, aud AuditReader, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return &Service{cfg: cfg, jobs: jobs, aud: aud, bus: bus, log: log, start: time.Now()}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.unsub = unsub
		go s.collect(ch)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/audit", s.handleAudit)

	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("status server listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("status server shutdown", logx.Err(err))
	}
	s.srv = nil
}

func (s *Service) collect(ch <-chan eventbus.Event) {
	for ev := range ch {
		s.mu.Lock()
		s.recent = append(s.recent, ev)
		if len(s.recent) > recentCap {
			s.recent = s.recent[len(s.recent)-recentCap:]
		}
		s.mu.Unlock()
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	type job struct {
		NoteID string `json:"noteId"`
		Name   string `json:"name"`
		Spec   string `json:"spec"`
		Next   string `json:"next,omitempty"`
		Prev   string `json:"prev,omitempty"`
	}
	infos := s.jobs.ListActive()
	out := make([]job, 0, len(infos))
	for _, it := range infos {
		j := job{NoteID: it.NoteID, Name: it.Name, Spec: it.Spec}
		if !it.Next.IsZero() {
			j.Next = it.Next.Format(time.RFC3339)
		}
		if !it.Prev.IsZero() {
			j.Prev = it.Prev.Format(time.RFC3339)
		}
		out = append(out, j)
	}
	writeJSON(w, map[string]any{"count": len(out), "jobs": out})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	evs := make([]eventbus.Event, len(s.recent))
	copy(evs, s.recent)
	s.mu.Unlock()

	type event struct {
		Type string `json:"type"`
		Time string `json:"time"`
		Data any    `json:"data,omitempty"`
	}
	out := make([]event, 0, len(evs))
	for _, ev := range evs {
		out = append(out, event{Type: ev.Type, Time: ev.Time.Format(time.RFC3339), Data: ev.Data})
	}
	writeJSON(w, map[string]any{"count": len(out), "events": out})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.aud == nil {
		http.Error(w, "audit unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.aud.ListRecentAudit(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type entry struct {
		At       string         `json:"at"`
		Action   string         `json:"action"`
		Entity   string         `json:"entity"`
		EntityID string         `json:"entityId"`
		Status   string         `json:"status"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{
			At:       e.At.Format(time.RFC3339),
			Action:   e.Action,
			Entity:   e.EntityType,
			EntityID: e.EntityID,
			Status:   e.Status,
			Metadata: e.Metadata,
		})
	}
	writeJSON(w, map[string]any{"count": len(out), "entries": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Package server is the process that `spiked run` starts. It reports health,
// the runtime settings resolved at startup and a summary of the store; the
// rule editor is mounted by the application that embeds it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"spiked/model"
)

// Settings are resolved once by the run command.
type Settings struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	BackupDir     string `json:"backup_dir"`
	RulesOffset   int    `json:"rules_offset"`
	RulesetHeader string `json:"ruleset_header"`
	Debug         bool   `json:"debug"`
}

// Store is the read side of the spike store the server reports on.
type Store interface {
	Ping(ctx context.Context) error
	ListSettings(ctx context.Context) ([]model.Setting, error)
	ListRuleSets(ctx context.Context) ([]model.RuleSet, error)
	ListValueTemplates(ctx context.Context) ([]model.ValueTemplate, error)
	ListAuditLogs(ctx context.Context) ([]model.AuditLog, error)
}

type RuleSetSummary struct {
	File string `json:"file"`
	Name string `json:"name"`
}

type AuditSummary struct {
	Action    string `json:"action"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// StoreSummary is what init or update left in the store.
type StoreSummary struct {
	RuleSets       []RuleSetSummary  `json:"rulesets"`
	ValueTemplates int               `json:"value_templates"`
	Settings       map[string]string `json:"settings"`
	LastAudit      *AuditSummary     `json:"last_audit,omitempty"`
}

type Status struct {
	Settings Settings     `json:"settings"`
	Store    StoreSummary `json:"store"`
}

type Server struct {
	Store    Store
	Settings Settings
	Log      *zap.SugaredLogger
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.Settings.Host, strconv.Itoa(s.Settings.Port))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run listens on Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.Log.Warnw("server shutdown", "error", err)
		}
	}()

	s.Log.Infow("serving", "addr", server.Addr, "debug", s.Settings.Debug)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.Log.Errorw("store ping failed", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.summarize(r.Context())
	if err != nil {
		s.Log.Errorw("store summary failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Status{Settings: s.Settings, Store: summary}); err != nil {
		s.Log.Errorw("encode status", "error", err)
	}
}

func (s *Server) summarize(ctx context.Context) (StoreSummary, error) {
	var sum StoreSummary

	rulesets, err := s.Store.ListRuleSets(ctx)
	if err != nil {
		return sum, err
	}
	sum.RuleSets = make([]RuleSetSummary, 0, len(rulesets))
	for _, rs := range rulesets {
		sum.RuleSets = append(sum.RuleSets, RuleSetSummary{File: rs.File, Name: rs.Name})
	}

	templates, err := s.Store.ListValueTemplates(ctx)
	if err != nil {
		return sum, err
	}
	sum.ValueTemplates = len(templates)

	settings, err := s.Store.ListSettings(ctx)
	if err != nil {
		return sum, err
	}
	sum.Settings = make(map[string]string, len(settings))
	for _, st := range settings {
		sum.Settings[st.Name] = st.Value
	}

	logs, err := s.Store.ListAuditLogs(ctx)
	if err != nil {
		return sum, err
	}
	// ListAuditLogs returns oldest first.
	if n := len(logs); n > 0 {
		last := logs[n-1]
		sum.LastAudit = &AuditSummary{Action: last.Action, Message: last.Message, CreatedAt: last.CreatedAt}
	}
	return sum, nil
}

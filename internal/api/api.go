// Package api provides the HTTP server backing the agent dashboard.
//
// It exposes RESTful endpoints for conversation monitoring, manual
// profile edits, the manual-mode toggle, draft review and canned quick
// replies. All responses use the models.APIResponse JSON envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/matdac12/whatsapp-test01/internal/bot"
	"github.com/matdac12/whatsapp-test01/internal/messaging"
	"github.com/matdac12/whatsapp-test01/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server handles dashboard HTTP requests.
type Server struct {
	addr       string
	store      store.Store
	msgService messaging.Service
	bot        *bot.Bot
}

// NewServer creates an API server over the given collaborators.
func NewServer(st store.Store, msgService messaging.Service, b *bot.Bot, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:       cfg.Addr,
		store:      st,
		msgService: msgService,
		bot:        b,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/conversations", s.listConversationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}/messages", s.messagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}/settings", s.getSettingsHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}/settings", s.putSettingsHandler).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{phone}/notes", s.getNotesHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}/notes", s.putNotesHandler).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{phone}/send", s.sendHandler).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{phone}/draft", s.getDraftHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{phone}/draft", s.deleteDraftHandler).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{phone}/draft/approve", s.approveDraftHandler).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{phone}/draft/regenerate", s.regenerateDraftHandler).Methods(http.MethodPost)

	r.HandleFunc("/profiles", s.listProfilesHandler).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{phone}", s.getProfileHandler).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{phone}", s.putProfileHandler).Methods(http.MethodPut)

	r.HandleFunc("/canned-responses", s.listCannedHandler).Methods(http.MethodGet)
	r.HandleFunc("/canned-responses", s.addCannedHandler).Methods(http.MethodPost)

	// Twilio delivers inbound messages over HTTP, so its webhook rides
	// on this server when that transport is active.
	if ts, ok := s.msgService.(*messaging.TwilioService); ok {
		r.HandleFunc("/webhook/twilio", ts.TwilioWebhookHandler).Methods(http.MethodPost)
	}

	return r
}

// Run starts the HTTP server and blocks until the context is canceled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

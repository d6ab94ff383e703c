// Package webhook receives push events from the private forge and turns
// them into external-push triggers.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/orchestrator"
)

// PushEvent represents the relevant fields from a forge push webhook
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Dispatcher is the slice of the orchestrator the webhook server needs.
type Dispatcher interface {
	OnExternalPush(ctx context.Context, branch string) (*ledger.SyncJob, error)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	dispatcher  Dispatcher
	logger      *slog.Logger
	secret      []byte
	dispatchMu  sync.Mutex // guards dispatching and pending
	dispatching bool       // whether a push is currently being dispatched
	pendingRef  string     // ref queued while a dispatch is in progress
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, d Dispatcher, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		secret:     secret,
	}

	// Initialize debouncer with 2 second delay
	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// Start starts the webhook HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", s.cfg.Serve.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming push webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	ref := event.Ref
	s.debounce.trigger(func() {
		s.dispatch(context.Background(), ref)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the webhook signature (sha256=<hex>)
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isRefAllowed checks if the ref is in the allowed list. With no filter
// configured only the publish branch ref is accepted.
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return ref == s.cfg.PublishRef()
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// dispatch hands the push to the orchestrator with single-flight
// semantics. If a dispatch is already in progress, at most one additional
// run is queued; further concurrent requests are dropped to avoid
// unbounded goroutine pile-up.
func (s *Server) dispatch(ctx context.Context, ref string) {
	s.dispatchMu.Lock()
	if s.dispatching {
		s.pendingRef = ref
		s.dispatchMu.Unlock()
		s.logger.Info("dispatch already in progress, queuing pending re-run")
		return
	}
	s.dispatching = true
	s.dispatchMu.Unlock()

	for {
		branch := strings.TrimPrefix(ref, "refs/heads/")
		job, err := s.dispatcher.OnExternalPush(ctx, branch)
		switch {
		case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrBlockedByConflict):
			s.logger.Info("push trigger rejected", "reason", err)
		case err != nil:
			s.logger.Error("push trigger failed", "error", err)
		case job != nil:
			s.logger.Info("push trigger finished", "job", job.ID, "status", job.Status)
		}

		// Atomically check whether another push arrived while we were
		// dispatching. If not, release the slot and stop; if yes, clear
		// the pending ref and loop to service it.
		s.dispatchMu.Lock()
		if s.pendingRef == "" {
			s.dispatching = false
			s.dispatchMu.Unlock()
			break
		}
		ref = s.pendingRef
		s.pendingRef = ""
		s.dispatchMu.Unlock()

		s.logger.Info("re-running dispatch due to pending push")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

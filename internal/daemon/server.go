// Package daemon wires the broker together: one HTTP listener carrying
// the client's websocket, the session registry, the readiness watcher,
// the voice pipeline, and the orchestrator. Inbound messages are handled
// sequentially per connection; only parallel action groups fan out.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/client"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/memory"
	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/orchestrator"
	"github.com/voxmux/voxmux/internal/readiness"
	"github.com/voxmux/voxmux/internal/registry"
	"github.com/voxmux/voxmux/internal/terminal"
	"github.com/voxmux/voxmux/internal/tmux"
	"github.com/voxmux/voxmux/internal/voice"
)

type Server struct {
	cfg   config.Config
	log   *logrus.Entry
	store *registry.Store
	mux   *tmux.Client
	watch *readiness.Watcher

	hub       *client.Hub
	terminals *terminal.Manager
	pipeline  *voice.Pipeline
	orch      *orchestrator.Orchestrator
	mem       *memory.Store
	providers *voice.HTTPProviders
	guard     *orchestrator.WorkingGuard

	httpSrv  *http.Server
	listener net.Listener

	mu        sync.Mutex
	activeIdx int
	shutdown  sync.Once
}

func NewServer(cfg config.Config, store *registry.Store, muxClient *tmux.Client, watch *readiness.Watcher) *Server {
	s := &Server{
		cfg:   cfg,
		log:   logging.NewLogger("daemon"),
		store: store,
		mux:   muxClient,
		watch: watch,
	}

	s.providers = voice.NewHTTPProviders(cfg.TranscribeURL, cfg.SynthesizeURL, cfg.DecisionURL, cfg.ProviderKey)
	s.mem = memory.NewStore(memory.Options{
		TokenCeiling: cfg.MemoryTokenCeiling,
		RetainTurns:  cfg.MemoryRetainTurns,
		FactCap:      cfg.MemoryFactCap,
	}, s.providers)
	s.hub = client.NewHub(s)
	s.terminals = terminal.NewManager(cfg, store, muxClient, watch, s.hub)
	s.pipeline = voice.NewPipeline(s.providers, s.mem, voice.FilterConfig{
		SpeechCooldown: cfg.SpeechCooldown,
		MinAudioBytes:  cfg.MinAudioBytes,
		MinWords:       cfg.MinWords,
		MinWordsIdle:   cfg.MinWordsIdle,
	})
	s.orch = orchestrator.New(cfg, s.terminals, muxClient, watch, s.hub, s, s)
	s.guard = orchestrator.NewWorkingGuard(cfg.WorkingCap)

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", s.healthHandler)
	httpMux.Handle("/ws", s.hub)
	s.httpSrv = &http.Server{
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	go s.reconcileLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Stop() {
	s.shutdown.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
		s.watch.Close()
	})
}

// Addr reports the bound listen address, used by tests that listen on
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","terminals":%d}`, s.terminals.Count())
}

// reconcileLoop keeps registry liveness in sync with the multiplexer.
func (s *Server) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			demoted, err := s.store.Reconcile(ctx, s.mux)
			if err != nil {
				s.log.WithError(err).Warn("registry reconcile failed")
				continue
			}
			for _, name := range demoted {
				s.log.WithField("session", name).Info("demoted dead session")
			}
		}
	}
}

// Speak synthesizes and pushes a spoken response. A final response
// flips the bound terminal into idle-waiting so the next utterance gets
// the raised word floor.
func (s *Server) Speak(ctx context.Context, text string, isFinal bool) {
	ev := model.Event{Type: model.EventSpokenResponse, Text: text, IsFinal: &isFinal}
	audio, err := s.providers.Synthesize(ctx, text)
	if err != nil {
		if !errors.Is(err, voice.ErrCapabilityUnavailable) {
			s.log.WithError(err).Warn("speech synthesis failed, sending text only")
		}
	} else {
		ev.Audio = audio
	}
	s.hub.Send(ev)

	now := time.Now()
	if sess, ok := s.activeSession(); ok {
		sess.MarkSpoken(now)
		if isFinal {
			sess.SetIdleWaiting(true)
		}
	}
}

// Present rephrases a raw agent response against the user's words via
// the decision model.
func (s *Server) Present(ctx context.Context, utterance, response string) (string, error) {
	const presentInstructions = "The user asked the question below and a coding agent produced the " +
		"output below it. Answer the user in one or two spoken sentences based on that output."
	return s.providers.Decide(ctx, presentInstructions, response, utterance)
}

func (s *Server) activeSession() (*terminal.Session, bool) {
	s.mu.Lock()
	idx := s.activeIdx
	s.mu.Unlock()
	if sess, ok := s.terminals.ByIndex(idx); ok {
		return sess, true
	}
	return s.terminals.ByIndex(0)
}

func (s *Server) setActiveIdx(idx int) {
	s.mu.Lock()
	s.activeIdx = idx
	s.mu.Unlock()
}

func (s *Server) activeIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIdx
}

// Package server is the HTTP face of the relay: route table, CORS policy,
// and process lifecycle around the relay core.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/camrelay/server/config"
	"github.com/cyclopcam/camrelay/server/relay"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log   logs.Log
	Relay *relay.Relay

	cfg        *config.Config
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

func NewServer(logger logs.Log, cfg *config.Config) *Server {
	opt := relay.DefaultOptions()
	if cfg.FrameRate > 0 {
		opt.FrameInterval = time.Second / time.Duration(cfg.FrameRate)
	}
	if cfg.JPEGQuality > 0 {
		opt.Quality = cfg.JPEGQuality
	}
	if cfg.RetryBackoffMS > 0 {
		opt.RetryBackoff = time.Duration(cfg.RetryBackoffMS) * time.Millisecond
	}
	if cfg.StopTimeoutMS > 0 {
		opt.StopTimeout = time.Duration(cfg.StopTimeoutMS) * time.Millisecond
	}

	s := &Server{
		Log:   logger,
		Relay: relay.NewRelay(logger, opt),
		cfg:   cfg,
		wsUpgrader: websocket.Upgrader{
			// The CORS middleware already decided whether this origin may
			// talk to us, so the upgrader doesn't need its own opinion.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupHttpRoutes()
	return s
}

// Handler returns the full HTTP handler: CORS in front of the route table.
// Split out from ListenHTTP so that tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == "OPTIONS" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		s.httpRouter.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// addr example: ":5001"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		if sig, ok := <-s.signalIn; ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	// Stop the capture side first, so that no new frames are produced while
	// viewer connections drain.
	s.Relay.Stop()
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Viewer connections are infinite streams, so a graceful drain
			// will never finish. Force them closed.
			s.Log.Warnf("Graceful HTTP shutdown incomplete (%v). Closing connections", err)
			s.httpServer.Close()
		} else {
			s.Log.Infof("Shutdown complete")
		}
	}
	s.Log.Close()
}

// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"beacon/internal/broker"
	"beacon/internal/logger"
)

// Server terminates WebSocket connections and forwards their events to the
// broker. It also serves the static web client and a small status API.
type Server struct {
	config   *Config
	broker   *broker.Broker
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a gateway server in front of the given broker
func NewServer(config *Config, b *broker.Broker) *Server {
	return &Server{
		config: config,
		broker: b,
		logger: logger.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start starts the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/health", s.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/status", s.handleStatus).Methods("GET")

	router.HandleFunc("/ws", s.handleWS)

	// Web app serving must be last to catch all non-API routes
	s.setupWebApp(router)

	s.server = &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().
		Str("address", s.config.Server.Address).
		Str("static_dir", s.config.Server.StaticDir).
		Msg("Starting gateway server")

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleWS upgrades the connection and hands it to the broker
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := newWSConn(sock, s.broker)
	s.broker.Connect(conn)
	conn.run()
}

// setupWebApp serves the static web client with an SPA index fallback. When
// no static directory is configured only the API surface is exposed.
func (s *Server) setupWebApp(router *mux.Router) {
	staticDir := s.config.Server.StaticDir
	if staticDir == "" {
		return
	}

	fileServer := http.FileServer(http.Dir(staticDir))

	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}

		// SPA fallback - serve index.html for app routes
		if r.URL.Path != "/" && !strings.Contains(r.URL.Path, ".") {
			if _, err := os.Stat(filepath.Join(staticDir, filepath.Clean(r.URL.Path))); os.IsNotExist(err) {
				r.URL.Path = "/"
			}
		}

		fileServer.ServeHTTP(w, r)
	})
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.broker.GetStats()
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"broker":    stats,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

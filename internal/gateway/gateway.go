// Copyright 2025 Edgeo SCADA
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

// Package gateway exposes a local device over HTTP: Prometheus metrics,
// a health check and a WebSocket stream of object changes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/edgeo/bacnet-stack/bacnet"
)

// Defaults
const (
	DefaultBuffer       = 64
	DefaultWriteTimeout = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBuffer sets how many change events a stream queues before it drops
// the slowest connection
func WithBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single event write
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// Server serves the gateway endpoints
type Server struct {
	store    *bacnet.ObjectStore
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	buffer       int
	writeTimeout time.Duration
	started      time.Time
	streams      atomic.Int64
}

// New creates a gateway for the objects of store. gatherer feeds /metrics;
// combine several registries with prometheus.Gatherers.
func New(store *bacnet.ObjectStore, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		store:        store,
		gatherer:     gatherer,
		logger:       slog.Default(),
		buffer:       DefaultBuffer,
		writeTimeout: DefaultWriteTimeout,
		started:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Streams returns the number of open event streams
func (s *Server) Streams() int {
	return int(s.streams.Load())
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Health is the /healthz body
type Health struct {
	Status   string                  `json:"status"`
	Device   bacnet.ObjectIdentifier `json:"device"`
	Objects  int                     `json:"objects"`
	Streams  int                     `json:"streams"`
	UptimeMS int64                   `json:"uptime_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:   "ok",
		Device:   s.store.DeviceID(),
		Objects:  len(s.store.Objects()),
		Streams:  s.Streams(),
		UptimeMS: time.Since(s.started).Milliseconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h)
}

// handleEvents streams change events as JSON text messages. The optional
// object query parameter ("analog-value:1") filters to one object.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter *bacnet.ObjectIdentifier
	if q := r.URL.Query().Get("object"); q != "" {
		id, err := bacnet.ParseObjectIdentifier(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = &id
	}

	// Subscribe before the handshake completes so a client sees every
	// change made after its dial returns
	events := make(chan bacnet.ChangeEvent, s.buffer)
	overflow := make(chan struct{})
	var overflowed atomic.Bool
	cancel := s.store.Subscribe(func(ev bacnet.ChangeEvent) {
		if filter != nil && ev.ObjectID != *filter {
			return
		}
		select {
		case events <- ev:
		default:
			if overflowed.CompareAndSwap(false, true) {
				close(overflow)
			}
		}
	})
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	s.streams.Add(1)
	defer s.streams.Add(-1)

	logger := s.logger.With(slog.String("remote", r.RemoteAddr))
	logger.Debug("event stream opened")

	// Incoming messages are ignored; CloseRead ends ctx when the peer goes away
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			logger.Debug("event stream closed")
			return
		case <-overflow:
			logger.Warn("event stream too slow, closing")
			conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
			return
		case ev := <-events:
			wctx, wcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Package debuglisten exposes a minimal loopback-only HTTP listener for
// local operators: process liveness and a JSON telemetry snapshot. It is
// never a transport surface — no MCP request ever arrives over it — in
// the same minimal spirit as the teacher stack's own /health and
// /version routes.
package debuglisten

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgemcp/gateway/internal/resource"
	"github.com/edgemcp/gateway/internal/router"
)

// Snapshotter holds the sources of the health payload: the resource probe
// (optional), the router's circuit-breaker state, and the process start
// time.
type Snapshotter struct {
	Probe      *resource.Probe
	Router     *router.Router
	StartedAt  time.Time
}

type healthPayload struct {
	Status       string  `json:"status"`
	UptimeSec    float64 `json:"uptime_sec"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	Online       bool    `json:"online"`
	CloudHealthy bool    `json:"cloud_healthy"`
}

// Server is the loopback-only debug listener. It binds to 127.0.0.1 only
// — never a public interface — consistent with the "never a public-facing
// router" constraint on this gateway's transport surface.
type Server struct {
	http *http.Server
}

// New builds a debug listener for addr. Only addr's port is used, since
// ListenAndServe always binds 127.0.0.1; port 0 lets the OS pick an
// ephemeral port, useful for tests.
func New(addr string, snap Snapshotter) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		payload := healthPayload{
			Status:       "ok",
			UptimeSec:    time.Since(snap.StartedAt).Seconds(),
			CloudHealthy: snap.Router.CloudHealthy(),
		}
		if snap.Probe != nil {
			rs := snap.Probe.Snapshot()
			payload.CPUPercent = rs.CPUPercent
			payload.MemPercent = rs.MemPercent
			payload.Online = rs.Online
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"dev"}`))
	})

	return &Server{http: &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}}
}

// ListenAndServe binds to 127.0.0.1 explicitly, on the port of the
// configured address, and serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_, port, err := net.SplitHostPort(s.http.Addr)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("debuglisten: shutdown error")
		}
	}()
	err = s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

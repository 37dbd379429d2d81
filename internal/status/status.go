// Package status serves the gRPC health service of the DPU server. The
// server reports SERVING while a job is active.
package status

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported alongside the overall server status.
const Service = "ucc.dpu.Server"

// Server is a gRPC server exposing only the health service.
type Server struct {
	addr   string
	server *grpc.Server
	health *health.Server
	ln     net.Listener
	wg     sync.WaitGroup
}

// New creates a status server listening on addr once started.
func New(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &Server{addr: addr, server: s, health: hs}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting status server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil {
			log.Error().Err(err).Msg("Status server error")
		}
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// SetServing toggles the reported status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
	log.Debug().Str("status", st.String()).Msg("Health status changed")
}

// Stop shuts the health service down and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
}

package exhook

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const stopGrace = 5 * time.Second

// Server hosts the HookProvider service for the broker to dial.
type Server struct {
	addr string
	lis  net.Listener
	grpc *grpc.Server
	log  *zap.Logger
}

func NewServer(addr string, svc HookProviderServer, log *zap.Logger) *Server {
	gs := grpc.NewServer(
		grpc.ForceServerCodec(wireCodec{}),
		grpc.MaxConcurrentStreams(10),
	)
	gs.RegisterService(&hookProviderServiceDesc, svc)
	return &Server{addr: addr, grpc: gs, log: log}
}

// Start binds the listener and serves in the background. Serve errors
// after a clean Stop are expected and only logged.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("exhook: listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	s.log.Info("exhook grpc server listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.log.Error("exhook grpc server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listener address, valid after Start. Lets callers
// bind port 0 and discover the real port.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Stop drains in-flight calls, forcing the issue after a grace period.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn("exhook graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

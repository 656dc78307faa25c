package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BrokerStatus is an interface for checking MQTT connection state.
type BrokerStatus interface {
	IsConnected() bool
}

// StoreChecker abstracts the InfluxDB health check for testability.
type StoreChecker interface {
	Ping(ctx context.Context) (bool, error)
}

type Server struct {
	srv          *http.Server
	storeChecker StoreChecker
	broker       BrokerStatus
	logger       *zap.Logger
}

func NewServer(addr string, store StoreChecker, broker BrokerStatus, logger *zap.Logger) *Server {
	s := &Server{
		storeChecker: store,
		broker:       broker,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check InfluxDB.
	if s.storeChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if up, err := s.storeChecker.Ping(ctx); err != nil || !up {
			checks["influxdb"] = "error"
			allOK = false
		} else {
			checks["influxdb"] = "ok"
		}
	} else {
		checks["influxdb"] = "error"
		allOK = false
	}

	// Check MQTT broker connection.
	if s.broker != nil && s.broker.IsConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "not_connected"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

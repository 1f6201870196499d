package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"PoolLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// GRPCServer serves the ledger over gRPC and the same methods as HTTP/JSON
// through a grpc-gateway ServeMux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	svc           *service
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// NewGRPCServer registers the ledger service, health and reflection. The
// server reports NOT_SERVING until SetServing(true).
func NewGRPCServer(grpcAddr, httpAddr string, deps Deps, healthChecker *observability.HealthChecker) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		svc:           &service{deps: deps},
		healthChecker: healthChecker,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.authInterceptor))
	desc := ServiceDesc()
	s.grpcServer.RegisterService(&desc, s.svc)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.SetServing(false)

	return s
}

// SetServing flips both the gRPC health status and the HTTP readiness check.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// StartGRPC listens on the configured address and serves until ctx ends.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve serves gRPC on lis (blocking).
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop stops the gRPC server immediately.
func (s *GRPCServer) Stop() { s.grpcServer.Stop() }

// StartHTTPGateway serves the HTTP/JSON surface, health checks and metrics until
// ctx ends.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the HTTP surface: POST /v1/{Method} for every RPC, a few
// GET conveniences, /healthz, /readyz and /metrics.
func (s *GRPCServer) Handler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	byName := make(map[string]method)
	for _, m := range methods() {
		m := m
		byName[m.name] = m
		if err := gw.HandlePath(http.MethodPost, "/v1/"+m.name, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			req := m.newReq()
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err == nil {
				err = jsonCodec{}.Unmarshal(body, req)
			}
			if err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode %s: %v", m.name, err))
				return
			}
			s.serveHTTP(w, r, m, req)
		}); err != nil {
			return nil, fmt.Errorf("register %s: %w", m.name, err)
		}
	}

	err := gw.HandlePath(http.MethodGet, "/v1/pools/{pool_id}/summary", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		poolID, err := strconv.ParseUint(params["pool_id"], 10, 64)
		if err != nil {
			writeError(w, status.Error(codes.InvalidArgument, "pool_id must be an integer"))
			return
		}
		s.serveHTTP(w, r, byName["GetPoolSummary"], &PoolRequest{PoolID: poolID})
	})
	if err != nil {
		return nil, err
	}
	err = gw.HandlePath(http.MethodGet, "/v1/positions/{position_id}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		positionID, err := strconv.ParseUint(params["position_id"], 10, 64)
		if err != nil {
			writeError(w, status.Error(codes.InvalidArgument, "position_id must be an integer"))
			return
		}
		var at uint64
		if v := r.URL.Query().Get("at"); v != "" {
			if at, err = strconv.ParseUint(v, 10, 64); err != nil {
				writeError(w, status.Error(codes.InvalidArgument, "at must be an integer"))
				return
			}
		}
		s.serveHTTP(w, r, byName["GetPosition"], &PositionRequest{PositionID: positionID, At: at})
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", gw)
	return mux, nil
}

func (s *GRPCServer) serveHTTP(w http.ResponseWriter, r *http.Request, m method, req any) {
	ctx := r.Context()
	if h := r.Header.Get("Authorization"); h != "" && s.svc.deps.Auth != nil {
		caller, err := s.svc.deps.Auth.VerifyBearer(h)
		if err != nil {
			writeError(w, status.Error(codes.Unauthenticated, err.Error()))
			return
		}
		ctx = WithCaller(ctx, caller)
	}

	out, err := s.svc.invoke(ctx, m, req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

// authInterceptor verifies the bearer token, when one is sent, and puts the
// caller on the context. Methods that need a caller reject its absence.
func (s *GRPCServer) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	auth := s.svc.deps.Auth
	if auth == nil {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get("authorization"); len(vals) > 0 {
		caller, err := auth.VerifyBearer(vals[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		ctx = WithCaller(ctx, caller)
	}
	return handler(ctx, req)
}

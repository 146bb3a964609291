package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
)

const maxAdminBody = 1 << 20

// AdminIngester queues hand-fed account updates.
type AdminIngester interface {
	InjectRaw(ctx context.Context, eventType string, data []byte) (event.Event, error)
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	queries       *queryServiceImpl
	admin         AdminIngester
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// ServerDeps holds the dependencies of the gRPC and HTTP services.
type ServerDeps struct {
	Queries       QueryBackend
	Admin         AdminIngester // nil disables the admin route
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

// NewGRPCServer creates the gRPC server with StakeQueryService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()
	queries := newQueryServiceImpl(deps.Queries, deps.Metrics)
	RegisterStakeQueryServer(grpcServer, queries)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(queryServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		queries:       queries,
		admin:         deps.Admin,
		healthChecker: deps.HealthChecker,
		log:           deps.Log,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: health endpoints plus the gateway mux.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/accounts/{address}/summary", s.handleSummary},
		{http.MethodGet, "/v1/accounts/{address}/positions", s.handlePositions},
		{http.MethodGet, "/v1/accounts/{address}/addresses", s.handleAddresses},
		{http.MethodGet, "/v1/owners/{owner}/accounts", s.handleOwnerAccounts},
	}
	if s.admin != nil {
		routes = append(routes, struct {
			method, pattern string
			h               runtime.HandlerFunc
		}{http.MethodPost, "/v1/admin/updates/{type}", s.handleAdminUpdate})
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON routes (blocking).
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
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// HTTP routes
// ============================================================================

var jsonMarshaler = &runtime.JSONBuiltin{}

func (s *GRPCServer) handleSummary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	at, err := parseAt(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := withQueryTimeout(r.Context())
	defer cancel()
	resp, err := s.queries.GetBalanceSummary(ctx, &AccountRequest{Address: params["address"], UnixTime: at})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handlePositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	at, err := parseAt(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := withQueryTimeout(r.Context())
	defer cancel()
	resp, err := s.queries.ListPositions(ctx, &AccountRequest{Address: params["address"], UnixTime: at})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleAddresses(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.queries.DeriveAddresses(r.Context(), &AccountRequest{Address: params["address"]})
	writeResult(w, http.StatusOK, resp, err)
}

func (s *GRPCServer) handleOwnerAccounts(w http.ResponseWriter, r *http.Request, params map[string]string) {
	at, err := parseAt(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := withQueryTimeout(r.Context())
	defer cancel()
	resp, err := s.queries.ListStakeAccounts(ctx, &OwnerRequest{Owner: params["owner"], UnixTime: at})
	writeResult(w, http.StatusOK, resp, err)
}

type adminUpdateResponse struct {
	UpdateType     string `json:"update_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Slot           uint64 `json:"slot"`
}

func (s *GRPCServer) handleAdminUpdate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}

	evt, err := s.admin.InjectRaw(r.Context(), params["type"], body)
	if err != nil {
		if evt == nil && statusCode(err) == codes.Internal {
			// parse failures
			err = status.Error(codes.InvalidArgument, err.Error())
		}
		writeError(w, err)
		return
	}

	s.log.Info().
		Str("update_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("admin update queued")
	writeResult(w, http.StatusAccepted, &adminUpdateResponse{
		UpdateType:     evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		Slot:           evt.SourceSlot(),
	}, nil)
}

// parseAt reads the optional ?at=<unix seconds> query parameter.
func parseAt(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid at %q: %v", raw, err)
	}
	return &v, nil
}

type errorBody struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, okStatus int, resp interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, okStatus, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), &errorBody{
		Code:    int(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	buf, err := jsonMarshaler.Marshal(v)
	if err != nil {
		http.Error(w, `{"message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonMarshaler.ContentType(v))
	w.WriteHeader(code)
	w.Write(buf)
}

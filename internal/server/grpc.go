package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"TickBook/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	OrdersService = "tickbook.v1.Orders"
	AdminService  = "tickbook.v1.Admin"
	QueryService  = "tickbook.v1.Query"
)

// route is one RPC, reachable over gRPC as /{service}/{method} and over
// HTTP at httpMethod httpPath.
type route struct {
	service    string
	method     string
	httpMethod string
	httpPath   string

	newReq func() any
	call   func(s *Service, ctx context.Context, req any) (any, error)
	// bind fills a GET request from path and query parameters.
	bind func(req any, params map[string]string, q url.Values) error
}

func (r route) fullMethod() string { return "/" + r.service + "/" + r.method }

func rpc[Req, Resp any](service, method, httpMethod, httpPath string, fn func(*Service, context.Context, *Req) (*Resp, error)) route {
	return route{
		service:    service,
		method:     method,
		httpMethod: httpMethod,
		httpPath:   httpPath,
		newReq:     func() any { return new(Req) },
		call: func(s *Service, ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		},
	}
}

func get[Req, Resp any](service, method, httpPath string, fn func(*Service, context.Context, *Req) (*Resp, error), bind func(*Req, map[string]string, url.Values) error) route {
	r := rpc(service, method, http.MethodGet, httpPath, fn)
	r.bind = func(req any, params map[string]string, q url.Values) error {
		if bind == nil {
			return nil
		}
		return bind(req.(*Req), params, q)
	}
	return r
}

// routes lists every RPC of the three services.
func routes() []route {
	return []route{
		rpc(OrdersService, "CreateOrder", http.MethodPost, "/v1/orders", (*Service).CreateOrder),
		rpc(OrdersService, "CreateScaleOrders", http.MethodPost, "/v1/orders/scale", (*Service).CreateScaleOrders),
		rpc(OrdersService, "CancelOrder", http.MethodPost, "/v1/orders/cancel", (*Service).CancelOrder),
		rpc(OrdersService, "CancelOrders", http.MethodPost, "/v1/orders/cancel-all", (*Service).CancelOrders),
		rpc(OrdersService, "ClaimOrder", http.MethodPost, "/v1/orders/claim", (*Service).ClaimOrder),
		rpc(OrdersService, "ClaimOrders", http.MethodPost, "/v1/orders/claim-all", (*Service).ClaimOrders),
		rpc(OrdersService, "CancelOrderFor", http.MethodPost, "/v1/keeper/cancel", (*Service).CancelOrderFor),
		rpc(OrdersService, "KeeperExecute", http.MethodPost, "/v1/keeper/execute", (*Service).KeeperExecute),
		get(OrdersService, "GetOrders", "/v1/users/{user}/orders", (*Service).GetOrders,
			func(req *GetOrdersRequest, p map[string]string, _ url.Values) error {
				req.User = p["user"]
				return nil
			}),
		get(OrdersService, "GetBook", "/v1/pools/{pool}/book", (*Service).GetBook,
			func(req *GetBookRequest, p map[string]string, q url.Values) error {
				req.Pool = p["pool"]
				w, err := queryInt(q, "window", 0)
				if err != nil {
					return err
				}
				req.Window = int32(w)
				req.PriceWindow = q.Get("price_window")
				if v := q.Get("invert"); v != "" {
					if req.Invert, err = strconv.ParseBool(v); err != nil {
						return invalidf("invert: %v", err)
					}
				}
				return nil
			}),
		get(OrdersService, "ExtremeTicks", "/v1/pools/{pool}/extreme-ticks", (*Service).ExtremeTicks,
			func(req *ExtremeTicksRequest, p map[string]string, q url.Values) error {
				req.Pool, req.Side = p["pool"], q.Get("side")
				return nil
			}),
		get(OrdersService, "ExtremeCounts", "/v1/pools/{pool}/extreme-counts", (*Service).ExtremeCounts,
			func(req *ExtremeCountsRequest, p map[string]string, q url.Values) error {
				req.Pool = p["pool"]
				lo, err := queryInt(q, "lower_tick", 0)
				if err != nil {
					return err
				}
				hi, err := queryInt(q, "upper_tick", 0)
				req.LowerTick, req.UpperTick = int32(lo), int32(hi)
				return err
			}),
		get(OrdersService, "ListPools", "/v1/pools", (*Service).ListPools, nil),

		get(AdminService, "GetConfig", "/v1/admin/config", (*Service).GetConfig, nil),
		rpc(AdminService, "SetMaxExecutionsPerTrade", http.MethodPost, "/v1/admin/max-executions", (*Service).SetMaxExecutionsPerTrade),
		rpc(AdminService, "SetMaxScaleOrders", http.MethodPost, "/v1/admin/max-scale-orders", (*Service).SetMaxScaleOrders),
		rpc(AdminService, "SetMinOrderSize", http.MethodPost, "/v1/admin/min-order-size", (*Service).SetMinOrderSize),
		rpc(AdminService, "SetTreasury", http.MethodPost, "/v1/admin/treasury", (*Service).SetTreasury),
		rpc(AdminService, "AllowPool", http.MethodPost, "/v1/admin/pools/allow", (*Service).AllowPool),
		rpc(AdminService, "DisallowPool", http.MethodPost, "/v1/admin/pools/disallow", (*Service).DisallowPool),
		rpc(AdminService, "AddKeeper", http.MethodPost, "/v1/admin/keepers/add", (*Service).AddKeeper),
		rpc(AdminService, "RemoveKeeper", http.MethodPost, "/v1/admin/keepers/remove", (*Service).RemoveKeeper),
		rpc(AdminService, "Pause", http.MethodPost, "/v1/admin/pause", (*Service).Pause),
		rpc(AdminService, "Unpause", http.MethodPost, "/v1/admin/unpause", (*Service).Unpause),
		rpc(AdminService, "InjectSwap", http.MethodPost, "/v1/admin/swaps", (*Service).InjectSwap),
		rpc(AdminService, "TakeSnapshot", http.MethodPost, "/v1/admin/snapshot", (*Service).TakeSnapshot),
		get(AdminService, "GetEventLogInfo", "/v1/admin/event-log", (*Service).GetEventLogInfo, nil),
		rpc(AdminService, "VerifyChain", http.MethodPost, "/v1/admin/verify-chain", (*Service).VerifyChain),
		get(AdminService, "VerifyIntegrity", "/v1/admin/integrity", (*Service).VerifyIntegrity, nil),
		rpc(AdminService, "RebuildProjections", http.MethodPost, "/v1/admin/rebuild-projections", (*Service).RebuildProjections),

		get(QueryService, "GetOrderHistory", "/v1/users/{user}/history", (*Service).GetOrderHistory,
			func(req *OrderHistoryRequest, p map[string]string, q url.Values) error {
				req.User, req.Pool, req.Status = p["user"], q.Get("pool"), q.Get("status")
				before, err := queryOptInt(q, "before_sequence")
				if err != nil {
					return err
				}
				req.BeforeSequence = before
				limit, err := queryInt(q, "limit", 0)
				req.Limit = int(limit)
				return err
			}),
		get(QueryService, "GetBalances", "/v1/balances", (*Service).GetBalances,
			func(req *BalancesRequest, _ map[string]string, q url.Values) error {
				req.Prefix = q.Get("prefix")
				return nil
			}),
		get(QueryService, "GetJournalHistory", "/v1/users/{user}/journals", (*Service).GetJournalHistory,
			func(req *JournalHistoryRequest, p map[string]string, q url.Values) error {
				req.User = p["user"]
				before, err := queryOptInt(q, "before_sequence")
				if err != nil {
					return err
				}
				req.BeforeSequence = before
				limit, err := queryInt(q, "limit", 0)
				req.Limit = int(limit)
				return err
			}),
	}
}

func queryInt(q url.Values, name string, def int64) (int64, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, invalidf("%s: %v", name, err)
	}
	return n, nil
}

func queryOptInt(q url.Values, name string) (*int64, error) {
	if q.Get(name) == "" {
		return nil, nil
	}
	n, err := queryInt(q, name, 0)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ============================================================================
// Service descriptors
// ============================================================================

// serviceServer is the handler type of every descriptor; *Service
// implements it.
type serviceServer interface{ isService() }

func (r route) grpcHandler() func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := r.newReq()
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", r.method, err)
		}
		s := srv.(*Service)
		handler := func(ctx context.Context, req any) (any, error) {
			return r.call(s, ctx, req)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: r.fullMethod()}, handler)
	}
}

// ServiceDescs builds one descriptor per service from the route table.
func ServiceDescs() []*grpc.ServiceDesc {
	byName := map[string]*grpc.ServiceDesc{}
	var order []string
	for _, r := range routes() {
		desc, ok := byName[r.service]
		if !ok {
			desc = &grpc.ServiceDesc{
				ServiceName: r.service,
				HandlerType: (*serviceServer)(nil),
				Metadata:    "tickbook/v1",
			}
			byName[r.service] = desc
			order = append(order, r.service)
		}
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: r.method,
			Handler:    r.grpcHandler(),
		})
	}
	descs := make([]*grpc.ServiceDesc, 0, len(order))
	for _, name := range order {
		descs = append(descs, byName[name])
	}
	return descs
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *Service
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
}

// NewGRPCServer creates a gRPC server with every service registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps) *GRPCServer {
	svc := NewService(deps)
	gs := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       svc,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(gs.unaryInterceptor))
	for _, desc := range ServiceDescs() {
		grpcServer.RegisterService(desc, svc)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range []string{OrdersService, AdminService, QueryService} {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gs.grpcServer = grpcServer
	return gs
}

// GRPC returns the underlying server, for serving on a custom listener.
func (s *GRPCServer) GRPC() *grpc.Server { return s.grpcServer }

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx, err := callerFromMetadata(ctx)
	var resp any
	if err == nil {
		resp, err = handler(ctx, req)
	}
	err = toStatus(err)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *GRPCServer) observe(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	code := status.Code(err)
	s.metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
	s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(method, code.String()).Inc()
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
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// Handler returns the HTTP API: every route on a gateway mux plus the
// health endpoints.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, r := range routes() {
		if err := mux.HandlePath(r.httpMethod, r.httpPath, s.httpHandler(r)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.httpMethod, r.httpPath, err)
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

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *GRPCServer) httpHandler(r route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := s.serveHTTP(r, req, params)
		err = toStatus(err)
		s.observe(r.fullMethod(), start, err)

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			st := status.Convert(err)
			w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
			body, _ := json.Marshal(httpError{Code: st.Code().String(), Message: st.Message()})
			w.Write(body)
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}
}

func (s *GRPCServer) serveHTTP(r route, req *http.Request, params map[string]string) (any, error) {
	ctx := req.Context()
	if h := req.Header.Get(CallerHeader); h != "" {
		addr, err := parseAddress(CallerHeader, h)
		if err != nil {
			return nil, err
		}
		ctx = WithCaller(ctx, addr)
	}

	in := r.newReq()
	if r.bind != nil {
		if err := r.bind(in, params, req.URL.Query()); err != nil {
			return nil, err
		}
	} else {
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			return nil, invalidf("read body: %v", err)
		}
		if err := (jsonCodec{}).Unmarshal(body, in); err != nil {
			return nil, invalidf("decode body: %v", err)
		}
	}
	return r.call(s.service, ctx, in)
}

// StartHTTPGateway serves the HTTP API (blocking).
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
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

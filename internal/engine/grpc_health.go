package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// HealthReporter публикует состояние демона через стандартный gRPC health протокол
// (systemd/k8s/grpc_health_probe). Статусы пересчитываются по таймеру.
type HealthReporter struct {
	mu       sync.Mutex
	checks   map[string]func() bool
	srv      *health.Server
	grpc     *grpc.Server
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthReporter(interval time.Duration, logger *zap.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := health.NewServer()
	gs := grpc.NewServer(
		grpc.UnaryInterceptor(LoopbackOnlyUnaryInterceptor()),
		grpc.StreamInterceptor(LoopbackOnlyStreamInterceptor()),
	)
	healthpb.RegisterHealthServer(gs, hs)

	return &HealthReporter{
		checks:   make(map[string]func() bool),
		srv:      hs,
		grpc:     gs,
		interval: interval,
		logger:   logger.With(zap.String("mod", "grpc-health")),
	}
}

// Register добавляет именованный сервис. Пока Run не посчитал, статус NOT_SERVING.
func (h *HealthReporter) Register(service string, check func() bool) {
	h.mu.Lock()
	h.checks[service] = check
	h.mu.Unlock()
	h.srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Refresh пересчитывает все статусы. Общий ("") статус SERVING, пока процесс жив.
func (h *HealthReporter) Refresh() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, check := range h.checks {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if check() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		h.srv.SetServingStatus(name, st)
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.Refresh()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthReporter) Serve(lis net.Listener) error {
	h.logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// Stop переводит всё в NOT_SERVING и закрывает сервер.
func (h *HealthReporter) Stop() {
	h.srv.Shutdown()
	h.grpc.GracefulStop()
}

// LoopbackOnlyUnaryInterceptor пускает только вызовы с loopback-адресов.
func LoopbackOnlyUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := checkLoopbackPeer(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func LoopbackOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkLoopbackPeer(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkLoopbackPeer(ctx context.Context) error {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return status.Errorf(codes.PermissionDenied, "missing peer")
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		host = p.Addr.String()
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return status.Errorf(codes.PermissionDenied, "admin API is loopback-only")
	}
	return nil
}

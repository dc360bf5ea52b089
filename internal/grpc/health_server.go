package grpc

import (
	"context"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer implements grpc.health.v1.Health. The empty service name reports whether
// the primary accepts writes; any other name is a target id.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	snapshots     domain.SnapshotSource
	watchInterval time.Duration
}

// NewHealthServer creates a health server. Watch re-evaluates every watchInterval.
func NewHealthServer(snapshots domain.SnapshotSource, watchInterval time.Duration) *HealthServer {
	if watchInterval <= 0 {
		watchInterval = 10 * time.Second
	}
	return &HealthServer{
		snapshots:     snapshots,
		watchInterval: watchInterval,
	}
}

// Check performs a health check.
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st, known := h.servingStatus(req.GetService())
	if !known {
		return nil, ToGRPCError(domain.NewUnknownTargetError(req.GetService()))
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch streams the serving status, sending only when it changes.
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	last := grpc_health_v1.HealthCheckResponse_ServingStatus(-1)
	send := func() error {
		st, known := h.servingStatus(req.GetService())
		if !known {
			st = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
		}
		if st == last {
			return nil
		}
		last = st
		return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st})
	}

	if err := send(); err != nil {
		return err
	}

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func (h *HealthServer) servingStatus(service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, bool) {
	snap := h.snapshots.Snapshot()
	if snap == nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, true
	}
	if service == "" {
		service = snap.Primary.Target.ID
	}
	th, ok := snap.Target(service)
	if !ok {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, false
	}
	if th.Circuit == domain.StateOpen {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
	}
	return grpc_health_v1.HealthCheckResponse_SERVING, true
}

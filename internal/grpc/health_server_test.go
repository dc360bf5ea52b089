package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/testutil"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestProperty_ErrorToGRPCStatusCodeMapping(t *testing.T) {
	testutil.RunPropertyTest(t, "domain errors map to their gRPC code", prop.ForAll(
		func(target string) bool {
			cases := map[error]codes.Code{
				domain.NewTargetUnhealthyError(target):      codes.Unavailable,
				domain.NewPoolExhaustedError(target, 0):     codes.ResourceExhausted,
				domain.NewAdmissionDeniedError(target, 0):   codes.ResourceExhausted,
				domain.NewUnknownTargetError(target):        codes.NotFound,
				domain.NewProbeTimeoutError(target, 0, nil): codes.DeadlineExceeded,
			}
			for err, want := range cases {
				if status.Code(ToGRPCError(err)) != want {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))
}

func TestToGRPCErrorPlainError(t *testing.T) {
	assert.NoError(t, ToGRPCError(nil))
	assert.Equal(t, codes.Internal, status.Code(ToGRPCError(assert.AnError)))
}

func TestCheck(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateOpen, 1),
		testutil.ReplicaHealth("replica-2", domain.StateHalfOpen, 1),
	)
	h := NewHealthServer(src, time.Second)
	ctx := context.Background()

	check := func(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check("replica-1"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check("replica-2"))

	_, err := h.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "replica-9"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	src.Set(testutil.PrimaryHealth(domain.StateOpen))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(""))
}

func TestWatchOverServer(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed))
	lis := bufconn.Listen(1 << 16)
	srv := newServer(lis, ServerConfig{}, testutil.DiscardLogger(), noop.NewTracerProvider().Tracer("test"),
		NewHealthServer(src, 10*time.Millisecond))
	go func() { _ = srv.Start() }()
	defer func() { _ = srv.Stop(context.Background()) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := grpc_health_v1.NewHealthClient(conn).Watch(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, first.Status)

	src.Set(testutil.PrimaryHealth(domain.StateOpen))
	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, next.Status)
}

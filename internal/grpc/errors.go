// Package grpc serves the standard gRPC health service backed by target health.
package grpc

import (
	"errors"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorMapping maps internal error codes to gRPC status codes.
var ErrorMapping = map[domain.ErrorCode]codes.Code{
	domain.ErrAdmissionDenied:         codes.ResourceExhausted,
	domain.ErrPoolExhausted:           codes.ResourceExhausted,
	domain.ErrTargetUnhealthy:         codes.Unavailable,
	domain.ErrProbeTimeout:            codes.DeadlineExceeded,
	domain.ErrCounterStoreUnavailable: codes.Unavailable,
	domain.ErrUnknownTarget:           codes.NotFound,
	domain.ErrPoolClosed:              codes.Unavailable,
}

// ToGRPCError converts a domain error to a gRPC status error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var resErr *domain.ResilienceError
	if errors.As(err, &resErr) {
		return status.Error(ToGRPCCode(resErr.Code), resErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToGRPCCode returns the gRPC code for a domain error code.
func ToGRPCCode(code domain.ErrorCode) codes.Code {
	if grpcCode, ok := ErrorMapping[code]; ok {
		return grpcCode
	}
	return codes.Internal
}

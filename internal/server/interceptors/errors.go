package interceptors

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tenant-control-plane/internal/platform/errs"
)

// ToStatus maps err onto a gRPC status. Errors that already carry a status are returned as is.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, errs.ErrNoTenant), errors.Is(err, errs.ErrTenantInactive):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrSyncConflict):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, errs.Message(err))
}

// ErrorsUnary converts handler errors from the error taxonomy into gRPC statuses. Internal errors are
// logged with their cause and reported without it.
func ErrorsUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		st := ToStatus(err)
		if status.Code(st) == codes.Internal && log != nil {
			log.Error("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, st
	}
}

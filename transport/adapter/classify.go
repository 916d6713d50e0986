package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/BaSui01/agentlink/types"
)

// contextError maps a finished context onto the error taxonomy.
func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.TimeoutError("deadline exceeded").WithCause(err)
	case errors.Is(err, context.Canceled):
		return types.RoutingError(types.CodeUnreachable, "request canceled").WithCause(err)
	default:
		return err
	}
}

// transportError classifies dial, read and write failures. Already
// structured errors pass through.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contextError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.TimeoutError("%s timed out", op).WithCause(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return types.RoutingError(types.CodeConnectionClosed, "%s: connection closed", op).WithCause(err)
	}
	return types.RoutingError(types.CodeUnreachable, "%s failed", op).WithCause(err)
}

// httpStatusError maps a non-2xx status onto the taxonomy:
// 401/403 auth, 408/429/5xx routing (retryable), other 4xx protocol.
func httpStatusError(code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	var e *types.Error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = types.AuthError(types.CodeAuthRejected, "peer rejected credentials (HTTP %d)", code)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		e = types.RoutingError(types.CodePeerUnavailable, "peer unavailable (HTTP %d)", code)
	default:
		e = types.ProtocolError(types.CodeRemoteError, "peer refused request (HTTP %d)", code)
	}
	e = e.WithContext("status", code)
	if snippet != "" {
		e = e.WithContext("body", snippet)
	}
	return e
}

// grpcError maps a gRPC status onto the taxonomy.
func grpcError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return transportError(op, err)
	}

	var e *types.Error
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		e = types.AuthError(types.CodeAuthRejected, "%s: %s", op, st.Message())
	case codes.DeadlineExceeded:
		e = types.TimeoutError("%s: %s", op, st.Message())
	case codes.Canceled:
		e = types.RoutingError(types.CodeUnreachable, "%s canceled", op)
	case codes.Unavailable, codes.Internal, codes.Unknown, codes.ResourceExhausted, codes.Aborted:
		e = types.RoutingError(types.CodePeerUnavailable, "%s: %s", op, st.Message())
	default:
		e = types.ProtocolError(types.CodeRemoteError, "%s: %s", op, st.Message())
	}
	return e.WithContext("grpc_code", st.Code().String()).WithCause(err)
}

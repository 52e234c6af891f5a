// Package remote verifies tokens against a passportd instance over gRPC.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"provenance.org/internal/auth"
	"provenance.org/internal/ledger"
	"provenance.org/internal/rpc/passportv1"
	"provenance.org/internal/verify"
)

// Client wraps the gRPC connection.
type Client struct {
	conn   *grpc.ClientConn
	verify *passportv1.VerificationClient
	health healthpb.HealthClient
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:   conn,
		verify: passportv1.NewVerificationClient(conn),
		health: healthpb.NewHealthClient(conn),
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Verify asks the remote service about token.
func (c *Client) Verify(ctx context.Context, token string) (verify.Result, error) {
	resp, err := c.verify.Verify(outgoingWithIdentity(ctx), &passportv1.VerifyRequest{Token: token})
	if err != nil {
		return verify.Result{}, mapError(err)
	}
	return resp.Result, nil
}

// Healthy reports whether the remote service is SERVING.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: health %s", ledger.ErrStoreUnavailable, resp.GetStatus())
	}
	return nil
}

// mapError restores the ledger sentinels callers match on.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return err
	}
}

func outgoingWithIdentity(ctx context.Context) context.Context {
	if ctx == nil {
		return ctx
	}
	var pairs []string
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		pairs = append(pairs, "x-passport-user-id", userID)
	}
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		pairs = append(pairs, "x-passport-roles", strings.Join(roles, ","))
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

package remote

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/you-humble/fileflow/internal/plugin"
)

// Client is a plugin.Plugin whose work happens in a plugin host.
type Client struct {
	name    string
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// Dial creates a lazily connecting client for the plugin host at target.
func Dial(name, target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s: dial %s: %w", name, target, err)
	}
	return NewClient(name, conn, timeout), conn, nil
}

func NewClient(name string, conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{name: name, conn: conn, timeout: timeout}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Execute(ctx context.Context, req plugin.Request) plugin.Result {
	in, err := encodeRequest(req)
	if err != nil {
		return plugin.Failed(false, "encode request: %v", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeMethod, in, out); err != nil {
		return plugin.Failed(retryable(err), "plugin host %s: %v", c.name, err)
	}
	return decodeResult(out)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
		return true
	}
	return false
}

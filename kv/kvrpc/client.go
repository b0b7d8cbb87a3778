package kvrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/provide-io/tofusoup-go/kv"
)

// Client implements kv.Store over a KV gRPC service.
type Client struct {
	cc     *grpc.ClientConn
	client KVClient

	// Timeout applies per RPC when non-zero, inside whatever deadline the
	// caller's context already carries.
	Timeout time.Duration
}

var _ kv.Store = (*Client)(nil)

// NewClient wraps an established connection, typically one produced by the
// channel package after handshake and TLS negotiation.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewKVClient(cc)}
}

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

// Dial connects without transport security. Secured connections are built by
// the channel package and handed to NewClient.
func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, client: NewKVClient(cc), Timeout: 0}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	reply, err := c.client.Get(ctx, wrapperspb.String(key))
	if err != nil {
		return nil, mapRPC(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	_, err := c.client.Put(ctx, EncodePutRequest(key, value))
	return mapRPC(err)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	_, err := c.client.Delete(ctx, wrapperspb.String(key))
	return mapRPC(err)
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	reply, err := c.client.List(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, mapRPC(err)
	}
	vals := reply.GetValues()
	keys := make([]string, 0, len(vals))
	for _, v := range vals {
		keys = append(keys, v.GetStringValue())
	}
	return keys, nil
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}

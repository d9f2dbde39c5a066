package invoker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/restatedb/partitiond/pkg/codec"
	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/log"
)

// rawFrame is the only message type exchanged over the invoke stream: each
// frame is a pre-encoded pkg/codec envelope, so gRPC itself never needs to
// know the invoke protocol's schema.
type rawFrame struct{ data []byte }

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("invoker: rawCodec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("invoker: rawCodec cannot unmarshal into %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "raw" }

var invokeStreamDesc = grpc.StreamDesc{
	StreamName:    "Invoke",
	ClientStreams: true,
	ServerStreams: true,
}

const invokeMethod = "/restate.invoker.v1.Invoker/Invoke"

// GRPCClient invokes deployments over a per-deployment gRPC connection: one
// bidi stream per invocation, framed with pkg/codec envelopes carrying
// protobuf-encoded invoke/journal/result payloads (pkg/codec.KindProtobuf);
// codec.DecodeInvokerMessage rejects frames of any other kind.
type GRPCClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCClient constructs a client with no open connections; they are
// dialed lazily per deployment address on first use and cached.
func NewGRPCClient() *GRPCClient {
	return &GRPCClient{conns: make(map[string]*grpc.ClientConn)}
}

func (c *GRPCClient) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	// Deployments are registered by network address, not by certificate, so
	// there is no mTLS material to load the way pkg/client does for the
	// manager API; deployment-facing TLS is a deployment-registration
	// concern, not the invoker's.
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))
	if err != nil {
		return nil, fmt.Errorf("invoker: dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Invoke opens an invoke stream against inv's pinned deployment, sends the
// initial invoke frame, and spawns a goroutine pumping server frames into
// sink until the stream closes.
func (c *GRPCClient) Invoke(ctx context.Context, inv invocation.Invocation, sink Sink) error {
	if inv.PinnedDeployment == nil {
		return fmt.Errorf("invoker: invocation %s has no pinned deployment", inv.ID)
	}
	conn, err := c.connFor(inv.PinnedDeployment.DeploymentID)
	if err != nil {
		return err
	}

	stream, err := conn.NewStream(ctx, &invokeStreamDesc, invokeMethod)
	if err != nil {
		return fmt.Errorf("invoker: open stream: %w", err)
	}

	payload, err := codec.EncodeInvokeRequest(inv)
	if err != nil {
		return fmt.Errorf("invoker: encode invoke request: %w", err)
	}
	if err := stream.SendMsg(&rawFrame{data: payload}); err != nil {
		return fmt.Errorf("invoker: send invoke request: %w", err)
	}

	go c.pump(ctx, stream, inv.ID, sink)
	return nil
}

// Resume always returns an error: GRPCClient does not keep an invocation's
// pinned deployment address across suspension, so it opens no stream and
// sends no frame.
func (c *GRPCClient) Resume(ctx context.Context, id ids.InvocationID, sink Sink) error {
	return fmt.Errorf("invoker: resume requires the pinned deployment address, which GRPCClient does not retain across suspension; wire via partition's invocation status lookup")
}

// Abort returns nil without doing anything: GRPCClient does not track open
// streams by invocation, so it has no stream to close, and there is no
// separate cancel RPC in this protocol.
func (c *GRPCClient) Abort(ctx context.Context, id ids.InvocationID) error {
	return nil
}

func (c *GRPCClient) pump(ctx context.Context, stream grpc.ClientStream, id ids.InvocationID, sink Sink) {
	logger := log.WithComponent("invoker").With().Str("invocation_id", id.String()).Logger()
	for {
		var frame rawFrame
		if err := stream.RecvMsg(&frame); err != nil {
			if err != io.EOF {
				logger.Error().Err(err).Msg("invoke stream ended with error")
			}
			return
		}
		msg, err := codec.DecodeInvokerMessage(frame.data)
		if err != nil {
			logger.Error().Err(err).Msg("failed to decode invoker message")
			_ = sink.Failed(ctx, id, err)
			return
		}
		if err := deliver(ctx, id, msg, sink); err != nil {
			logger.Error().Err(err).Msg("sink rejected invoker message")
			return
		}
	}
}

func deliver(ctx context.Context, id ids.InvocationID, msg codec.InvokerMessage, sink Sink) error {
	switch {
	case msg.JournalEntry != nil:
		return sink.AppendJournalEntry(ctx, id, *msg.JournalEntry)
	case msg.Suspend != nil:
		return sink.Suspend(ctx, id, msg.Suspend.WaitingForCompletedEntries)
	case msg.End != nil:
		return sink.End(ctx, id, *msg.End)
	default:
		return fmt.Errorf("invoker: empty invoker message for %s", id)
	}
}

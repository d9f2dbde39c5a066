package metadatastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// jsonCodec marshals the request/response structs below as plain JSON. The
// metadata-store wire protocol never carries invocation-domain payloads (no
// journal entries, no invoke targets), so there is no reason to reuse
// pkg/codec's protowire envelope here the way the invoker and storage
// layers do — a handful of small, self-describing request/response structs
// is exactly what encoding/json is for, and no generated .pb.go package
// exists in the retrieval pack for this service to bind to instead.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "metadatastore-json" }

// ParseListenAddr splits a spec §6-style "uds://path" or "tcp://host:port"
// address into the network and address net.Listen expects.
func ParseListenAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "uds://"):
		return "unix", strings.TrimPrefix(addr, "uds://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	default:
		return "", "", fmt.Errorf("metadatastore: unrecognized listen address %q, want uds:// or tcp://", addr)
	}
}

type getRequest struct{ Key string }
type getResponse struct {
	Found  bool
	Record Versioned
	Err    string
}

type putRequest struct {
	Key          string
	Value        []byte
	Precondition Precondition
}
type deleteRequest struct {
	Key          string
	Precondition Precondition
}
type mutateResponse struct{ Err string }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	switch s {
	case ErrFailedPrecondition.Error():
		return ErrFailedPrecondition
	case ErrNotLeader.Error():
		return ErrNotLeader
	default:
		return fmt.Errorf("metadatastore: %s", s)
	}
}

// Server exposes a Store over the spec §6 request/response contract:
// Get, GetVersion, Put, Delete; bound to either a TCP address or a unix
// domain socket, with no TLS — the metadata store is cluster-internal
// traffic, unlike the deployment- or client-facing surfaces.
type Server struct {
	store *Store
	srv   *grpc.Server
}

var metadataServiceDesc = grpc.ServiceDesc{
	ServiceName: "restate.metadatastore.v1.MetadataStore",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "GetVersion", Handler: getVersionHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
}

// NewServer wraps store for gRPC serving; call Serve to accept connections.
func NewServer(store *Store) *Server {
	s := &Server{store: store}
	s.srv = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.srv.RegisterService(&metadataServiceDesc, s)
	return s
}

// Serve listens on addr (a spec §6 "uds://..." or "tcp://..." address) and
// blocks serving RPCs until the listener closes or Stop is called.
func (s *Server) Serve(addr string) error {
	network, address, err := ParseListenAddr(addr)
	if err != nil {
		return err
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("metadatastore: listen %s: %w", addr, err)
	}
	return s.srv.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() { s.srv.GracefulStop() }

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	var req getRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	rec, ok, err := s.store.Get(req.Key)
	return &getResponse{Found: ok, Record: rec, Err: errString(err)}, nil
}

func getVersionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	var req getRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	version, ok, err := s.store.GetVersion(req.Key)
	return &getResponse{Found: ok, Record: Versioned{Version: version}, Err: errString(err)}, nil
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	var req putRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	err := s.store.Put(req.Key, req.Value, req.Precondition)
	return &mutateResponse{Err: errString(err)}, nil
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	var req deleteRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	err := s.store.Delete(req.Key, req.Precondition)
	return &mutateResponse{Err: errString(err)}, nil
}

// Client is the metadata store's remote request/response client, dialed
// against one node's transport address (spec §6). Callers are responsible
// for retrying against a different address on ErrNotLeader. Store's own
// AddVoter names the current leader in its error; RemoveServer does not.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a metadata-store node at addr ("tcp://host:port" or
// "uds://path").
func Dial(addr string) (*Client, error) {
	network, address, err := ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}
	target := address
	if network == "unix" {
		target = "unix://" + address
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})))
	if err != nil {
		return nil, fmt.Errorf("metadatastore: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Get fetches key's current record over the wire.
func (c *Client) Get(ctx context.Context, key string) (Versioned, bool, error) {
	var resp getResponse
	if err := c.conn.Invoke(ctx, "/restate.metadatastore.v1.MetadataStore/Get", &getRequest{Key: key}, &resp); err != nil {
		return Versioned{}, false, err
	}
	return resp.Record, resp.Found, errFromString(resp.Err)
}

// GetVersion fetches only key's current version over the wire.
func (c *Client) GetVersion(ctx context.Context, key string) (Version, bool, error) {
	var resp getResponse
	if err := c.conn.Invoke(ctx, "/restate.metadatastore.v1.MetadataStore/GetVersion", &getRequest{Key: key}, &resp); err != nil {
		return VersionInvalid, false, err
	}
	return resp.Record.Version, resp.Found, errFromString(resp.Err)
}

// Put writes value for key if precondition holds.
func (c *Client) Put(ctx context.Context, key string, value []byte, precondition Precondition) error {
	var resp mutateResponse
	if err := c.conn.Invoke(ctx, "/restate.metadatastore.v1.MetadataStore/Put", &putRequest{Key: key, Value: value, Precondition: precondition}, &resp); err != nil {
		return err
	}
	return errFromString(resp.Err)
}

// Delete removes key if precondition holds.
func (c *Client) Delete(ctx context.Context, key string, precondition Precondition) error {
	var resp mutateResponse
	if err := c.conn.Invoke(ctx, "/restate.metadatastore.v1.MetadataStore/Delete", &deleteRequest{Key: key, Precondition: precondition}, &resp); err != nil {
		return err
	}
	return errFromString(resp.Err)
}

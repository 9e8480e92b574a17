// Package grpcapi implements the gRPC control service of the gateway and
// its client.
package grpcapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/config"
	"github.com/mptm-gw/mptm/pkg/configstore"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// apiKeyHeader carries the API key in request metadata.
const apiKeyHeader = "x-api-key"

const defaultTraceLimit = 50

// Config configures the gRPC server.
type Config struct {
	Store    *configstore.Store
	DP       dataplane.DataPlane
	EventBuf *logging.EventBuffer
	Resolve  dataplane.IfaceResolver
	ApplyFn  func(*config.Config) error // daemon's applyConfig callback
	// APIKeys, when not empty, are required in the x-api-key metadata.
	APIKeys []string
}

// Server implements ControlServer.
type Server struct {
	store     *configstore.Store
	dp        dataplane.DataPlane
	eventBuf  *logging.EventBuffer
	resolve   dataplane.IfaceResolver
	applyFn   func(*config.Config) error
	apiKeys   []string
	startTime time.Time
	addr      string
	// stopping is closed on shutdown to end trace streams.
	stopping chan struct{}
	stopOnce sync.Once
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		store:     cfg.Store,
		dp:        cfg.DP,
		eventBuf:  cfg.EventBuf,
		resolve:   cfg.Resolve,
		applyFn:   cfg.ApplyFn,
		apiKeys:   cfg.APIKeys,
		startTime: time.Now(),
		addr:      addr,
		stopping:  make(chan struct{}),
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	var opts []grpc.ServerOption
	if len(s.apiKeys) > 0 {
		opts = append(opts,
			grpc.UnaryInterceptor(s.authUnary),
			grpc.StreamInterceptor(s.authStream))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.stopOnce.Do(func() { close(s.stopping) })
	srv.GracefulStop()
	return nil
}

func (s *Server) authorized(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, got := range md.Get(apiKeyHeader) {
		for _, key := range s.apiKeys {
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
				return nil
			}
		}
	}
	return status.Error(codes.Unauthenticated, "authentication required")
}

func (s *Server) authUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.authorized(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) authStream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorized(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (s *Server) tables() (*dataplane.Tables, error) {
	if s.dp == nil || !s.dp.IsLoaded() || s.dp.Tables() == nil {
		return nil, status.Error(codes.Unavailable, "dataplane not loaded")
	}
	return s.dp.Tables(), nil
}

func reply(key string, v any) (*structpb.Struct, error) {
	out, err := toStruct(key, v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// GetStatus reports daemon status.
func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := api.StatusResponse{
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		DataplaneLoaded: s.dp != nil && s.dp.IsLoaded(),
	}
	if s.store != nil {
		if cfg := s.store.ActiveConfig(); cfg != nil {
			st.ConfigLoaded = true
			st.TunnelCount = len(cfg.Tunnels)
		}
	}
	if s.dp != nil {
		st.AttachedCount = len(s.dp.Attachments())
	}
	if s.eventBuf != nil {
		st.EventsTotal = s.eventBuf.Total()
	}
	return reply("", st)
}

// UpdateEntry adds, deletes or reads one table entry.
func (s *Server) UpdateEntry(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dataplane.EntryRequest
	if err := fromStruct(in, "", &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	t, err := s.tables()
	if err != nil {
		return nil, err
	}
	entry, err := dataplane.ApplyEntry(t, req, s.resolve)
	if err != nil {
		return nil, status.Errorf(entryCode(err), "%v", err)
	}
	if entry == nil {
		return reply("", map[string]string{"status": "deleted"})
	}
	return reply("entry", entry)
}

func entryCode(err error) codes.Code {
	switch {
	case errors.Is(err, dataplane.ErrKeyNotExist):
		return codes.NotFound
	case errors.Is(err, dataplane.ErrTableFull):
		return codes.ResourceExhausted
	case errors.Is(err, dataplane.ErrKeyExist):
		return codes.AlreadyExists
	}
	return codes.InvalidArgument
}

// ListTunnels returns every tunnel entry under "tunnels".
func (s *Server) ListTunnels(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	t, err := s.tables()
	if err != nil {
		return nil, err
	}
	entries, err := dataplane.ListTunnels(t)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if entries == nil {
		entries = []dataplane.TunnelEntry{}
	}
	return reply("", map[string]any{"tunnels": entries})
}

// ListRedirects returns the redirect tables.
func (s *Server) ListRedirects(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	t, err := s.tables()
	if err != nil {
		return nil, err
	}
	view, err := dataplane.ListRedirects(t)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply("", view)
}

// GetStatistics returns per-action counters and table occupancy.
func (s *Server) GetStatistics(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	t, err := s.tables()
	if err != nil {
		return nil, err
	}
	counters, err := s.dp.ReadActionStats()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply("", api.StatisticsResponse{
		Actions: api.ActionStats(counters),
		Tables:  t.Stats(),
	})
}

// TraceRequest selects packet-path events.
type TraceRequest struct {
	Program string `json:"program,omitempty"`
	Type    string `json:"type,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (r TraceRequest) filter() logging.EventFilter {
	return logging.EventFilter{Program: r.Program, Type: r.Type, Addr: r.Addr}
}

// GetTrace returns recent events under "events", newest first.
func (s *Server) GetTrace(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.eventBuf == nil {
		return nil, status.Error(codes.Unavailable, "event buffer not available")
	}
	var req TraceRequest
	if err := fromStruct(in, "", &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if req.Limit <= 0 {
		req.Limit = defaultTraceLimit
	}
	events := s.eventBuf.Latest(req.Limit, req.filter())
	if events == nil {
		events = []logging.EventRecord{}
	}
	return reply("", map[string]any{"events": events})
}

// StreamTrace sends matching events as they are recorded until the client
// goes away.
func (s *Server) StreamTrace(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	var req TraceRequest
	if err := fromStruct(in, "", &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	filter := req.filter()

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server shutting down")
		case rec := <-sub.C:
			if !filter.Match(&rec) {
				continue
			}
			msg, err := toStruct("", rec)
			if err != nil {
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

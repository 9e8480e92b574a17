package grpcapi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/dataplane"
	"github.com/mptm-gw/mptm/pkg/logging"
)

// keyCredentials sends an API key with every call.
type keyCredentials string

func (k keyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{apiKeyHeader: string(k)}, nil
}

func (keyCredentials) RequireTransportSecurity() bool { return false }

// Client is a control service client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon at addr. A non-empty apiKey is sent with
// every call.
func Dial(addr, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	if apiKey != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(keyCredentials(apiKey)))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in proto.Message) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	out, err := c.invoke(ctx, methodGetStatus, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	var st api.StatusResponse
	if err := fromStruct(out, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Entry performs one table entry operation. It returns the entry as a
// pointer to the dataplane view type of the table, or nil after a delete.
func (c *Client) Entry(ctx context.Context, req dataplane.EntryRequest) (any, error) {
	table, err := dataplane.CanonicalTable(req.Table)
	if err != nil {
		return nil, err
	}
	in, err := toStruct("", req)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodUpdateEntry, in)
	if err != nil {
		return nil, err
	}
	if _, ok := out.GetFields()["entry"]; !ok {
		return nil, nil
	}
	var v any
	switch table {
	case dataplane.TableTunnel:
		v = &dataplane.TunnelEntry{}
	case dataplane.TableRedirect:
		v = &dataplane.RedirectEntry{}
	case dataplane.TableGroup:
		v = &dataplane.GroupEntry{}
	default:
		v = &dataplane.IfaceRedirectEntry{}
	}
	if err := fromStruct(out, "entry", v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tunnels lists the tunnel table.
func (c *Client) Tunnels(ctx context.Context) ([]dataplane.TunnelEntry, error) {
	out, err := c.invoke(ctx, methodListTunnels, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	var entries []dataplane.TunnelEntry
	if err := fromStruct(out, "tunnels", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Redirects lists the redirect tables.
func (c *Client) Redirects(ctx context.Context) (*dataplane.RedirectView, error) {
	out, err := c.invoke(ctx, methodListRedirects, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	var view dataplane.RedirectView
	if err := fromStruct(out, "", &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Statistics returns per-action counters and table occupancy.
func (c *Client) Statistics(ctx context.Context) (*api.StatisticsResponse, error) {
	out, err := c.invoke(ctx, methodGetStatistics, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	var st api.StatisticsResponse
	if err := fromStruct(out, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Trace returns recent events matching req, newest first.
func (c *Client) Trace(ctx context.Context, req TraceRequest) ([]logging.EventRecord, error) {
	in, err := toStruct("", req)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodGetTrace, in)
	if err != nil {
		return nil, err
	}
	var events []logging.EventRecord
	if err := fromStruct(out, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// StreamTrace calls fn for every new event matching req until ctx is
// cancelled, the server ends the stream or fn returns an error.
func (c *Client) StreamTrace(ctx context.Context, req TraceRequest, fn func(logging.EventRecord) error) error {
	in, err := toStruct("", req)
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(methodStreamTrace))
	if err != nil {
		return err
	}
	// io.EOF means the server already ended the stream; RecvMsg reports why.
	if err := stream.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var rec logging.EventRecord
		if err := fromStruct(msg, "", &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Configure runs one configuration operation.
func (c *Client) Configure(ctx context.Context, req ConfigRequest) (*ConfigResult, error) {
	in, err := toStruct("", req)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodConfigure, in)
	if err != nil {
		return nil, err
	}
	var res ConfigResult
	if err := fromStruct(out, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

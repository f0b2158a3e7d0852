package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"web/mapcluster/cluster"
)

const (
	serviceName = "mapcluster.ClusterService"
	codecName   = "json"
)

// jsonCodec carries the plain Go messages of this package over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnknownCluster), errors.Is(err, cluster.ErrClusterNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, cluster.ErrInvalidConfig), errors.Is(err, cluster.ErrInvalidZoom):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps gRPC codes back onto the sentinel errors so callers can
// use errors.Is on either side of the wire.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownCluster, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}

func unary[Req, Resp any](name string, call func(ClusterService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ClusterService)
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(svc, ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClusterService)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateCluster", ClusterService.CreateCluster),
		unary("ReloadCluster", ClusterService.ReloadCluster),
		unary("LoadCluster", ClusterService.LoadCluster),
		unary("ListClusters", ClusterService.ListClusters),
		unary("GetClusters", ClusterService.GetClusters),
		unary("GetMetadata", ClusterService.GetMetadata),
		unary("GetChildren", ClusterService.GetChildren),
		unary("GetExpansionZoom", ClusterService.GetExpansionZoom),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mapcluster",
}

// RegisterClusterServiceServer serves svc on s.
func RegisterClusterServiceServer(s grpc.ServiceRegistrar, svc ClusterService) {
	s.RegisterService(&serviceDesc, svc)
}

// Client is a ClusterService backed by a remote runner.
type Client struct {
	conn *grpc.ClientConn
}

var _ ClusterService = (*Client)(nil)

// Dial connects to a runner at target. The connection is established
// lazily on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster runner: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *Client) CreateCluster(ctx context.Context, req *CreateClusterRequest) (*CreateClusterResponse, error) {
	return invoke[CreateClusterResponse](ctx, c, "CreateCluster", req)
}

func (c *Client) ReloadCluster(ctx context.Context, req *ReloadClusterRequest) (*ReloadClusterResponse, error) {
	return invoke[ReloadClusterResponse](ctx, c, "ReloadCluster", req)
}

func (c *Client) LoadCluster(ctx context.Context, req *LoadClusterRequest) (*LoadClusterResponse, error) {
	return invoke[LoadClusterResponse](ctx, c, "LoadCluster", req)
}

func (c *Client) ListClusters(ctx context.Context, req *ListClustersRequest) (*ListClustersResponse, error) {
	return invoke[ListClustersResponse](ctx, c, "ListClusters", req)
}

func (c *Client) GetClusters(ctx context.Context, req *GetClustersRequest) (*GetClustersResponse, error) {
	return invoke[GetClustersResponse](ctx, c, "GetClusters", req)
}

func (c *Client) GetMetadata(ctx context.Context, req *GetMetadataRequest) (*GetMetadataResponse, error) {
	return invoke[GetMetadataResponse](ctx, c, "GetMetadata", req)
}

func (c *Client) GetChildren(ctx context.Context, req *GetChildrenRequest) (*GetChildrenResponse, error) {
	return invoke[GetChildrenResponse](ctx, c, "GetChildren", req)
}

func (c *Client) GetExpansionZoom(ctx context.Context, req *GetExpansionZoomRequest) (*GetExpansionZoomResponse, error) {
	return invoke[GetExpansionZoomResponse](ctx, c, "GetExpansionZoom", req)
}

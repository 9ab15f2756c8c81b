package transport

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ipcache.transport")

// ProfileServiceName is the fully-qualified name of the profile service.
const ProfileServiceName = "ipcache.v1.ProfileService"

// Procedure paths served by NewProfileServiceHandler.
const (
	FetchProfileProcedure      = "/" + ProfileServiceName + "/FetchProfile"
	FetchFaninSummaryProcedure = "/" + ProfileServiceName + "/FetchFaninSummary"
	ClassInfoBatchProcedure    = "/" + ProfileServiceName + "/ClassInfoBatch"
	EndSessionProcedure        = "/" + ProfileServiceName + "/EndSession"
)

// Unary adapts a plain request/response method to a connect unary handler.
func Unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			if connect.CodeOf(err) == connect.CodeUnknown {
				err = connect.NewError(connect.CodeInternal, err)
			}
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// NewProfileServiceHandler builds an HTTP handler that serves svc over
// Connect, gRPC and gRPC-Web with the CBOR codec. It returns the path
// prefix to mount the handler on.
func NewProfileServiceHandler(svc ProfileService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithCBOR()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(FetchProfileProcedure, connect.NewUnaryHandler(FetchProfileProcedure, Unary(svc.FetchProfile), opts...))
	mux.Handle(FetchFaninSummaryProcedure, connect.NewUnaryHandler(FetchFaninSummaryProcedure, Unary(svc.FetchFaninSummary), opts...))
	mux.Handle(ClassInfoBatchProcedure, connect.NewUnaryHandler(ClassInfoBatchProcedure, Unary(svc.ClassInfoBatch), opts...))
	mux.Handle(EndSessionProcedure, connect.NewUnaryHandler(EndSessionProcedure, Unary(svc.EndSession), opts...))

	return "/" + ProfileServiceName + "/", mux
}

// Client is a ProfileService backed by a remote connect endpoint.
type Client struct {
	fetchProfile   *connect.Client[FetchProfileRequest, FetchProfileResponse]
	fetchFanin     *connect.Client[FetchFaninRequest, FetchFaninResponse]
	classInfoBatch *connect.Client[ClassInfoBatchRequest, ClassInfoBatchResponse]
	endSession     *connect.Client[EndSessionRequest, EndSessionResponse]
}

var _ ProfileService = (*Client)(nil)

// NewClient creates a client for the profile service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{WithCBOR()}, opts...)
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		fetchProfile:   connect.NewClient[FetchProfileRequest, FetchProfileResponse](httpClient, baseURL+FetchProfileProcedure, opts...),
		fetchFanin:     connect.NewClient[FetchFaninRequest, FetchFaninResponse](httpClient, baseURL+FetchFaninSummaryProcedure, opts...),
		classInfoBatch: connect.NewClient[ClassInfoBatchRequest, ClassInfoBatchResponse](httpClient, baseURL+ClassInfoBatchProcedure, opts...),
		endSession:     connect.NewClient[EndSessionRequest, EndSessionResponse](httpClient, baseURL+EndSessionProcedure, opts...),
	}
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], procedure string, req *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		log.Debugf("%s failed: %v", procedure, err)
		return nil, err
	}
	return res.Msg, nil
}

// FetchProfile implements ProfileService.
func (c *Client) FetchProfile(ctx context.Context, req *FetchProfileRequest) (*FetchProfileResponse, error) {
	return call(ctx, c.fetchProfile, FetchProfileProcedure, req)
}

// FetchFaninSummary implements ProfileService.
func (c *Client) FetchFaninSummary(ctx context.Context, req *FetchFaninRequest) (*FetchFaninResponse, error) {
	return call(ctx, c.fetchFanin, FetchFaninSummaryProcedure, req)
}

// ClassInfoBatch implements ProfileService.
func (c *Client) ClassInfoBatch(ctx context.Context, req *ClassInfoBatchRequest) (*ClassInfoBatchResponse, error) {
	return call(ctx, c.classInfoBatch, ClassInfoBatchProcedure, req)
}

// EndSession implements ProfileService.
func (c *Client) EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error) {
	return call(ctx, c.endSession, EndSessionProcedure, req)
}

package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/transport"
)

type echoService struct {
	ended []string
}

func (s *echoService) FetchProfile(ctx context.Context, req *transport.FetchProfileRequest) (*transport.FetchProfileResponse, error) {
	if req.Method.IsNull() {
		return nil, errors.New("null method")
	}
	if req.Method == 404 {
		return nil, connect.NewError(connect.CodeNotFound, errors.New("no such method"))
	}
	return &transport.FetchProfileResponse{
		Found:   true,
		Shared:  req.SharedProfile,
		Payload: []byte{byte(req.Method), byte(req.PC)},
		Classes: []transport.ClassInfo{{ID: 7, Name: "Point", Super: 1, Loader: "boot"}},
	}, nil
}

func (s *echoService) FetchFaninSummary(ctx context.Context, req *transport.FetchFaninRequest) (*transport.FetchFaninResponse, error) {
	return &transport.FetchFaninResponse{}, nil
}

func (s *echoService) ClassInfoBatch(ctx context.Context, req *transport.ClassInfoBatchRequest) (*transport.ClassInfoBatchResponse, error) {
	res := &transport.ClassInfoBatchResponse{}
	for _, id := range req.Classes {
		res.Classes = append(res.Classes, transport.ClassInfo{ID: id})
	}
	return res, nil
}

func (s *echoService) EndSession(ctx context.Context, req *transport.EndSessionRequest) (*transport.EndSessionResponse, error) {
	s.ended = append(s.ended, req.Session)
	return &transport.EndSessionResponse{}, nil
}

func newTestClient(t *testing.T, svc transport.ProfileService) *transport.Client {
	t.Helper()
	mux := http.NewServeMux()
	path, handler := transport.NewProfileServiceHandler(svc)
	mux.Handle(path, handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return transport.NewClient(ts.Client(), ts.URL+"/")
}

func TestRoundTrip(t *testing.T) {
	svc := &echoService{}
	c := newTestClient(t, svc)
	ctx := context.Background()

	res, err := c.FetchProfile(ctx, &transport.FetchProfileRequest{Session: "s", Method: 3, PC: 9, SharedProfile: true})
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if !res.Found || !res.Shared || len(res.Payload) != 2 || res.Payload[1] != 9 {
		t.Errorf("FetchProfile = %+v", res)
	}
	if len(res.Classes) != 1 || res.Classes[0].Name != "Point" || res.Classes[0].Loader != "boot" {
		t.Errorf("Classes = %+v", res.Classes)
	}

	fanin, err := c.FetchFaninSummary(ctx, &transport.FetchFaninRequest{Session: "s", Method: 3})
	if err != nil || fanin.Found {
		t.Errorf("FetchFaninSummary = %+v, %v", fanin, err)
	}

	batch, err := c.ClassInfoBatch(ctx, &transport.ClassInfoBatchRequest{Session: "s", Classes: []profile.ClassID{4, 5}})
	if err != nil || len(batch.Classes) != 2 || batch.Classes[1].ID != 5 {
		t.Errorf("ClassInfoBatch = %+v, %v", batch, err)
	}

	if _, err := c.EndSession(ctx, &transport.EndSessionRequest{Session: "s"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(svc.ended) != 1 || svc.ended[0] != "s" {
		t.Errorf("ended = %v", svc.ended)
	}
}

func TestErrorCodes(t *testing.T) {
	c := newTestClient(t, &echoService{})
	ctx := context.Background()

	_, err := c.FetchProfile(ctx, &transport.FetchProfileRequest{Session: "s", Method: 404})
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("code = %v, want not_found", connect.CodeOf(err))
	}

	_, err = c.FetchProfile(ctx, &transport.FetchProfileRequest{Session: "s"})
	if connect.CodeOf(err) != connect.CodeInternal {
		t.Errorf("code = %v, want internal", connect.CodeOf(err))
	}
}

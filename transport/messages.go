// Package transport carries profile requests between a compilation server
// and an interpreting client. The channel is request/response only: the
// server asks, the client answers, and there is no pipelining or
// cancellation message.
package transport

import (
	"context"

	"github.com/chazu/ipcache/profile"
)

// ClassInfo is the metadata shipped for a class the server has not yet seen.
type ClassInfo struct {
	ID     profile.ClassID `cbor:"id"`
	Name   string          `cbor:"name"`
	Super  profile.ClassID `cbor:"super,omitempty"`
	Loader string          `cbor:"loader,omitempty"`
}

// FetchProfileRequest asks the client for the profile of the method
// containing (Method, PC). The client answers with the whole method.
type FetchProfileRequest struct {
	Session       string           `cbor:"session"`
	Method        profile.MethodID `cbor:"method"`
	PC            uint32           `cbor:"pc"`
	SharedProfile bool             `cbor:"shared,omitempty"`
}

// FetchProfileResponse carries an encoded method profile. Found is false
// when the client has no samples for the method.
type FetchProfileResponse struct {
	Found   bool        `cbor:"found"`
	Shared  bool        `cbor:"shared,omitempty"`
	Payload []byte      `cbor:"payload,omitempty"`
	Classes []ClassInfo `cbor:"classes,omitempty"`
}

// FetchFaninRequest asks for the fanin summary of a callee.
type FetchFaninRequest struct {
	Session string           `cbor:"session"`
	Method  profile.MethodID `cbor:"method"`
}

// FetchFaninResponse carries an encoded fanin summary.
type FetchFaninResponse struct {
	Found   bool   `cbor:"found"`
	Payload []byte `cbor:"payload,omitempty"`
}

// ClassInfoBatchRequest asks for metadata of classes the server is missing.
type ClassInfoBatchRequest struct {
	Session string            `cbor:"session"`
	Classes []profile.ClassID `cbor:"classes"`
}

// ClassInfoBatchResponse carries metadata for the requested classes the
// client knows. Unknown ids are omitted.
type ClassInfoBatchResponse struct {
	Classes []ClassInfo `cbor:"classes,omitempty"`
}

// EndSessionRequest tells the client that the server dropped a session.
type EndSessionRequest struct {
	Session string `cbor:"session"`
}

// EndSessionResponse acknowledges EndSessionRequest.
type EndSessionResponse struct{}

// ProfileService is implemented by the interpreting client and by anything
// that can stand in for it on the server's side of the channel.
type ProfileService interface {
	FetchProfile(ctx context.Context, req *FetchProfileRequest) (*FetchProfileResponse, error)
	FetchFaninSummary(ctx context.Context, req *FetchFaninRequest) (*FetchFaninResponse, error)
	ClassInfoBatch(ctx context.Context, req *ClassInfoBatchRequest) (*ClassInfoBatchResponse, error)
	EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error)
}

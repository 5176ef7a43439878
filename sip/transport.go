package sip

import (
	"context"
	"net/netip"
	"time"
)

// ClientTransport sends requests on behalf of client transactions.
// It is used to send requests and receive responses.
type ClientTransport interface {
	// SendRequest sends a request to the remote address.
	SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error
}

// SendRequestOptions are options for sending a request.
type SendRequestOptions struct {
	// Timeout is the timeout for the request sending process.
	// If zero, the transport default is used.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func cloneSendReqOpts(opts *SendRequestOptions) *SendRequestOptions {
	if opts == nil {
		return nil
	}
	newOpts := *opts
	return &newOpts
}

// ServerTransport sends responses on behalf of server transactions.
// It is used to receive requests and send responses.
type ServerTransport interface {
	// SendResponse sends a response to the remote address taken from the
	// response envelope.
	SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error
}

// SendResponseOptions are options for sending a response.
type SendResponseOptions struct {
	// Timeout is the timeout for the response sending process.
	// If zero, the transport default is used.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func cloneSendResOpts(opts *SendResponseOptions) *SendResponseOptions {
	if opts == nil {
		return nil
	}
	newOpts := *opts
	return &newOpts
}

// Transport represents a combination of client and server transports.
type Transport interface {
	ClientTransport
	ServerTransport
}

// ErrTransportClosed is returned when attempting to use a closed transport.
const ErrTransportClosed Error = "transport closed"

func GetTransportProto(tp any) (TransportProto, bool) {
	if v, ok := tp.(interface{ Proto() TransportProto }); ok {
		return v.Proto(), true
	}
	return "", false
}

func GetTransportNetwork(tp any) (string, bool) {
	if v, ok := tp.(interface{ Network() string }); ok {
		return v.Network(), true
	}
	return "", false
}

func GetTransportLocalAddr(tp any) (netip.AddrPort, bool) {
	if v, ok := tp.(interface{ LocalAddr() netip.AddrPort }); ok {
		return v.LocalAddr(), true
	}
	return zeroAddrPort, false
}

// IsReliableTransport reports whether the transport guarantees delivery.
// Retransmission timers are disabled on reliable transports.
func IsReliableTransport(tp any) bool {
	if v, ok := tp.(interface{ Reliable() bool }); ok {
		return v.Reliable()
	}
	return false
}

package sip

import (
	"encoding/json"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"
)

// Response is a SIP response in the reduced form the transaction layer works
// with.
type Response struct {
	Proto   string         `json:"proto"`
	Status  ResponseStatus `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Headers Headers        `json:"headers"`
	Body    []byte         `json:"body,omitempty"`
}

// Validate checks the response carries the mandatory fields.
func (r *Response) Validate() error {
	switch {
	case r == nil:
		return errtrace.Wrap(NewInvalidArgumentError("missing response"))
	case !r.Status.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("invalid response status %d", int(r.Status)))
	}
	return errtrace.Wrap(r.Headers.Validate())
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Proto:   r.Proto,
		Status:  r.Status,
		Reason:  r.Reason,
		Headers: r.Headers.Clone(),
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("status", r.Status.String()),
		slog.Any("headers", &r.Headers),
	)
}

type responseEnvData struct {
	Message    *Response      `json:"message"`
	LocalAddr  netip.AddrPort `json:"local_addr,omitzero"`
	RemoteAddr netip.AddrPort `json:"remote_addr,omitzero"`
}

// InboundResponse is a response received by a client transport, together
// with the addresses it arrived on.
type InboundResponse struct {
	msg   *Response
	laddr netip.AddrPort
	raddr netip.AddrPort
}

// NewInboundResponse wraps a received response with its local and remote
// addresses.
func NewInboundResponse(msg *Response, laddr, raddr netip.AddrPort) *InboundResponse {
	return &InboundResponse{msg: msg, laddr: laddr, raddr: raddr}
}

// Message returns the wrapped response.
func (r *InboundResponse) Message() *Response {
	if r == nil {
		return nil
	}
	return r.msg
}

// Status returns the response status.
func (r *InboundResponse) Status() ResponseStatus {
	if r == nil || r.msg == nil {
		return 0
	}
	return r.msg.Status
}

// Headers returns the response headers.
func (r *InboundResponse) Headers() *Headers {
	if r == nil || r.msg == nil {
		return nil
	}
	return &r.msg.Headers
}

// LocalAddr returns the local address the response arrived on.
func (r *InboundResponse) LocalAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.laddr
}

// RemoteAddr returns the address the response arrived from.
func (r *InboundResponse) RemoteAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.raddr
}

// Validate checks the wrapped response.
func (r *InboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing response"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// IsValid reports whether the wrapped response is valid.
func (r *InboundResponse) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the envelope.
func (r *InboundResponse) Clone() *InboundResponse {
	if r == nil {
		return nil
	}
	return &InboundResponse{msg: r.msg.Clone(), laddr: r.laddr, raddr: r.raddr}
}

// LogValue implements [slog.LogValuer].
func (r *InboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", r.msg),
		slog.Any("local_addr", r.laddr),
		slog.Any("remote_addr", r.raddr),
	)
}

// MarshalJSON implements [json.Marshaler].
func (r *InboundResponse) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(responseEnvData{
		Message:    r.msg,
		LocalAddr:  r.laddr,
		RemoteAddr: r.raddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *InboundResponse) UnmarshalJSON(data []byte) error {
	var d responseEnvData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	r.msg = d.Message
	r.laddr = d.LocalAddr
	r.raddr = d.RemoteAddr
	return nil
}

// OutboundResponse is a response to be sent by a server transport, together
// with its source and destination addresses.
type OutboundResponse struct {
	msg   *Response
	laddr netip.AddrPort
	raddr netip.AddrPort
}

// NewOutboundResponse wraps a response for sending.
func NewOutboundResponse(msg *Response) *OutboundResponse {
	return &OutboundResponse{msg: msg}
}

// Message returns the wrapped response.
func (r *OutboundResponse) Message() *Response {
	if r == nil {
		return nil
	}
	return r.msg
}

// Status returns the response status.
func (r *OutboundResponse) Status() ResponseStatus {
	if r == nil || r.msg == nil {
		return 0
	}
	return r.msg.Status
}

// Headers returns the response headers.
func (r *OutboundResponse) Headers() *Headers {
	if r == nil || r.msg == nil {
		return nil
	}
	return &r.msg.Headers
}

// LocalAddr returns the local address the response will be sent from.
func (r *OutboundResponse) LocalAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.laddr
}

// RemoteAddr returns the destination address.
func (r *OutboundResponse) RemoteAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.raddr
}

// SetLocalAddr sets the local address the response will be sent from.
func (r *OutboundResponse) SetLocalAddr(addr netip.AddrPort) { r.laddr = addr }

// SetRemoteAddr sets the destination address.
func (r *OutboundResponse) SetRemoteAddr(addr netip.AddrPort) { r.raddr = addr }

// Validate checks the wrapped response.
func (r *OutboundResponse) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing response"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// IsValid reports whether the wrapped response is valid.
func (r *OutboundResponse) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the envelope.
func (r *OutboundResponse) Clone() *OutboundResponse {
	if r == nil {
		return nil
	}
	return &OutboundResponse{msg: r.msg.Clone(), laddr: r.laddr, raddr: r.raddr}
}

// LogValue implements [slog.LogValuer].
func (r *OutboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("message", r.msg),
		slog.Any("local_addr", r.laddr),
		slog.Any("remote_addr", r.raddr),
	)
}

// MarshalJSON implements [json.Marshaler].
func (r *OutboundResponse) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(responseEnvData{
		Message:    r.msg,
		LocalAddr:  r.laddr,
		RemoteAddr: r.raddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *OutboundResponse) UnmarshalJSON(data []byte) error {
	var d responseEnvData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	r.msg = d.Message
	r.laddr = d.LocalAddr
	r.raddr = d.RemoteAddr
	return nil
}

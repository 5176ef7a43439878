package sip

import (
	"encoding/json"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"
)

// Request is a SIP request in the reduced form the transaction layer works
// with.
type Request struct {
	Proto   string        `json:"proto"`
	Method  RequestMethod `json:"method"`
	URI     string        `json:"uri"`
	Headers Headers       `json:"headers"`
	Body    []byte        `json:"body,omitempty"`
}

// Validate checks the request carries the mandatory fields.
func (r *Request) Validate() error {
	switch {
	case r == nil:
		return errtrace.Wrap(NewInvalidArgumentError("missing request"))
	case !r.Method.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing request method"))
	case r.URI == "":
		return errtrace.Wrap(NewInvalidArgumentError("missing request URI"))
	}
	return errtrace.Wrap(r.Headers.Validate())
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := &Request{
		Proto:   r.Proto,
		Method:  r.Method,
		URI:     r.URI,
		Headers: r.Headers.Clone(),
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI),
		slog.Any("headers", &r.Headers),
	)
}

// ResponseOptions customize a response built from a request.
type ResponseOptions struct {
	// Reason overrides the default reason phrase for the status code.
	Reason string
	// LocalTag is set as the To header tag when the request's To has none.
	LocalTag string
}

// NewResponse builds a response on the request as defined in
// RFC 3261 Section 8.2.6.2: the Via stack, From, Call-ID and CSeq are copied
// verbatim, To gains the local tag for non-100 responses.
func (r *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if err := r.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response status %d", int(sts)))
	}

	reason := sts.Reason()
	if opts != nil && opts.Reason != "" {
		reason = opts.Reason
	}

	res := &Response{
		Proto:   r.Proto,
		Status:  sts,
		Reason:  reason,
		Headers: r.Headers.Clone(),
	}
	res.Headers.MaxForwards = 0

	if _, ok := res.Headers.To.Tag(); !ok && sts != ResponseStatusTrying && opts != nil && opts.LocalTag != "" {
		if res.Headers.To.Params == nil {
			res.Headers.To.Params = make(Values)
		}
		res.Headers.To.Params.Set("tag", opts.LocalTag)
	}
	return res, nil
}

// NewAckRequest builds an ACK for a non-2xx final response as defined in
// RFC 3261 Section 17.1.1.3: same Request-URI and branch as the INVITE,
// a single Via hop, To taken from the response.
func NewAckRequest(invite *Request, res *Response) (*Request, error) {
	if err := invite.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !invite.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	ack := invite.Clone()
	ack.Method = RequestMethodAck
	ack.Body = nil
	ack.Headers.Via = ack.Headers.Via[:1]
	ack.Headers.CSeq.Method = RequestMethodAck
	ack.Headers.MaxForwards = 70
	if res != nil {
		ack.Headers.To = res.Headers.To.Clone()
	}
	return ack, nil
}

// NewCancelRequest builds a CANCEL for a pending INVITE as defined in
// RFC 3261 Section 9.1: same Request-URI, Call-ID, From, To, the single top
// Via hop with the same branch, and the INVITE's CSeq number with the CANCEL
// method.
func NewCancelRequest(invite *Request) (*Request, error) {
	if err := invite.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !invite.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	cancel := invite.Clone()
	cancel.Method = RequestMethodCancel
	cancel.Body = nil
	cancel.Headers.Via = cancel.Headers.Via[:1]
	cancel.Headers.CSeq.Method = RequestMethodCancel
	cancel.Headers.MaxForwards = 70
	return cancel, nil
}

type requestEnvData struct {
	Message    *Request       `json:"message"`
	LocalAddr  netip.AddrPort `json:"local_addr,omitzero"`
	RemoteAddr netip.AddrPort `json:"remote_addr,omitzero"`
}

// InboundRequest is a request received by a server transport, together with
// the addresses it arrived on.
type InboundRequest struct {
	msg   *Request
	laddr netip.AddrPort
	raddr netip.AddrPort
}

// NewInboundRequest wraps a received request with its local and remote
// addresses.
func NewInboundRequest(msg *Request, laddr, raddr netip.AddrPort) *InboundRequest {
	return &InboundRequest{msg: msg, laddr: laddr, raddr: raddr}
}

// Message returns the wrapped request.
func (r *InboundRequest) Message() *Request {
	if r == nil {
		return nil
	}
	return r.msg
}

// Method returns the request method.
func (r *InboundRequest) Method() RequestMethod {
	if r == nil || r.msg == nil {
		return ""
	}
	return r.msg.Method
}

// URI returns the request URI.
func (r *InboundRequest) URI() string {
	if r == nil || r.msg == nil {
		return ""
	}
	return r.msg.URI
}

// Headers returns the request headers.
func (r *InboundRequest) Headers() *Headers {
	if r == nil || r.msg == nil {
		return nil
	}
	return &r.msg.Headers
}

// LocalAddr returns the local address the request arrived on.
func (r *InboundRequest) LocalAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.laddr
}

// RemoteAddr returns the address the request arrived from.
func (r *InboundRequest) RemoteAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.raddr
}

// Validate checks the wrapped request.
func (r *InboundRequest) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing request"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// IsValid reports whether the wrapped request is valid.
func (r *InboundRequest) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the envelope.
func (r *InboundRequest) Clone() *InboundRequest {
	if r == nil {
		return nil
	}
	return &InboundRequest{msg: r.msg.Clone(), laddr: r.laddr, raddr: r.raddr}
}

// NewResponse builds an outbound response on the request. The response is
// addressed back to the request source.
func (r *InboundRequest) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*OutboundResponse, error) {
	if r == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing request"))
	}
	msg, err := r.msg.NewResponse(sts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	res := NewOutboundResponse(msg)
	res.SetLocalAddr(r.laddr)
	res.SetRemoteAddr(r.raddr)
	return res, nil
}

// LogValue implements [slog.LogValuer].
func (r *InboundRequest) LogValue() slog.Value {
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
func (r *InboundRequest) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(requestEnvData{
		Message:    r.msg,
		LocalAddr:  r.laddr,
		RemoteAddr: r.raddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *InboundRequest) UnmarshalJSON(data []byte) error {
	var d requestEnvData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	r.msg = d.Message
	r.laddr = d.LocalAddr
	r.raddr = d.RemoteAddr
	return nil
}

// OutboundRequest is a request to be sent by a client transport, together
// with its resolved source and destination addresses.
type OutboundRequest struct {
	msg   *Request
	laddr netip.AddrPort
	raddr netip.AddrPort
}

// NewOutboundRequest wraps a request for sending. If the topmost Via hop has
// no branch parameter, a fresh RFC 3261 branch is generated.
func NewOutboundRequest(msg *Request) *OutboundRequest {
	if via, ok := msg.Headers.FirstVia(); ok {
		if _, ok := via.Branch(); !ok {
			if via.Params == nil {
				via.Params = make(Values)
			}
			via.Params.Set("branch", GenerateBranch())
		}
	}
	return &OutboundRequest{msg: msg}
}

// Message returns the wrapped request.
func (r *OutboundRequest) Message() *Request {
	if r == nil {
		return nil
	}
	return r.msg
}

// Method returns the request method.
func (r *OutboundRequest) Method() RequestMethod {
	if r == nil || r.msg == nil {
		return ""
	}
	return r.msg.Method
}

// URI returns the request URI.
func (r *OutboundRequest) URI() string {
	if r == nil || r.msg == nil {
		return ""
	}
	return r.msg.URI
}

// Headers returns the request headers.
func (r *OutboundRequest) Headers() *Headers {
	if r == nil || r.msg == nil {
		return nil
	}
	return &r.msg.Headers
}

// LocalAddr returns the local address the request will be sent from.
func (r *OutboundRequest) LocalAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.laddr
}

// RemoteAddr returns the destination address.
func (r *OutboundRequest) RemoteAddr() netip.AddrPort {
	if r == nil {
		return zeroAddrPort
	}
	return r.raddr
}

// SetLocalAddr sets the local address the request will be sent from.
func (r *OutboundRequest) SetLocalAddr(addr netip.AddrPort) { r.laddr = addr }

// SetRemoteAddr sets the destination address.
func (r *OutboundRequest) SetRemoteAddr(addr netip.AddrPort) { r.raddr = addr }

// Validate checks the wrapped request.
func (r *OutboundRequest) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("missing request"))
	}
	return errtrace.Wrap(r.msg.Validate())
}

// IsValid reports whether the wrapped request is valid.
func (r *OutboundRequest) IsValid() bool { return r.Validate() == nil }

// Clone returns a deep copy of the envelope.
func (r *OutboundRequest) Clone() *OutboundRequest {
	if r == nil {
		return nil
	}
	return &OutboundRequest{msg: r.msg.Clone(), laddr: r.laddr, raddr: r.raddr}
}

// LogValue implements [slog.LogValuer].
func (r *OutboundRequest) LogValue() slog.Value {
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
func (r *OutboundRequest) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(requestEnvData{
		Message:    r.msg,
		LocalAddr:  r.laddr,
		RemoteAddr: r.raddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *OutboundRequest) UnmarshalJSON(data []byte) error {
	var d requestEnvData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	r.msg = d.Message
	r.laddr = d.LocalAddr
	r.raddr = d.RemoteAddr
	return nil
}

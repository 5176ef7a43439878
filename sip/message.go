package sip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/rtckit/siptx/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix that marks a transaction-safe
// Via branch parameter.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch parameter carries the RFC 3261
// magic cookie prefix.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new unique RFC 3261 branch parameter.
func GenerateBranch() string {
	return MagicCookie + "." + uuid.NewString()
}

// ProtoVer20 returns the SIP protocol version string used in requests,
// status lines and Via header fields.
func ProtoVer20() string { return "SIP/2.0" }

var zeroAddrPort netip.AddrPort

// TransportProto is a transport protocol name as it appears in the topmost
// Via header field, e.g. "UDP" or "TCP".
type TransportProto string

// Equal reports whether two transport protocol names are equal,
// case-insensitively.
func (p TransportProto) Equal(other TransportProto) bool {
	return util.EqFold(p, other)
}

// RequestMethod is a SIP request method.
type RequestMethod string

// Request methods handled by the transaction layer.
const (
	RequestMethodInvite   RequestMethod = "INVITE"
	RequestMethodAck      RequestMethod = "ACK"
	RequestMethodCancel   RequestMethod = "CANCEL"
	RequestMethodBye      RequestMethod = "BYE"
	RequestMethodRegister RequestMethod = "REGISTER"
	RequestMethodOptions  RequestMethod = "OPTIONS"
	RequestMethodInfo     RequestMethod = "INFO"
)

// Equal reports whether two request methods are equal, case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(m, other)
}

// IsValid reports whether the method is non-empty.
func (m RequestMethod) IsValid() bool { return m != "" }

// ResponseStatus is a SIP response status code.
type ResponseStatus int

// Response status codes used by the transaction layer.
const (
	ResponseStatusTrying                      ResponseStatus = 100
	ResponseStatusRinging                     ResponseStatus = 180
	ResponseStatusOK                          ResponseStatus = 200
	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487
	ResponseStatusServerInternalError         ResponseStatus = 500
	ResponseStatusServiceUnavailable          ResponseStatus = 503
	ResponseStatusDecline                     ResponseStatus = 603
)

// IsProvisional reports whether the status is a 1xx response.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is a 2xx response.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsFinal reports whether the status is a final (non-1xx) response.
func (s ResponseStatus) IsFinal() bool { return s >= 200 }

// IsValid reports whether the status is inside the SIP status code range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }

var reasonPhrases = map[ResponseStatus]string{
	ResponseStatusTrying:                      "Trying",
	ResponseStatusRinging:                     "Ringing",
	ResponseStatusOK:                          "OK",
	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusUnauthorized:                "Unauthorized",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusServerInternalError:         "Server Internal Error",
	ResponseStatusServiceUnavailable:          "Service Unavailable",
	ResponseStatusDecline:                     "Decline",
}

// Reason returns the default reason phrase for the status code.
func (s ResponseStatus) Reason() string {
	if r, ok := reasonPhrases[s]; ok {
		return r
	}
	return "Unknown"
}

func (s ResponseStatus) String() string {
	return fmt.Sprintf("%d %s", int(s), s.Reason())
}

// Values is an ordered-insensitive set of header field parameters.
type Values map[string]string

// Set stores the parameter and returns the receiver for chaining.
func (v Values) Set(name, val string) Values {
	v[util.LCase(name)] = val
	return v
}

// Get returns the parameter value and whether it is present.
func (v Values) Get(name string) (string, bool) {
	val, ok := v[util.LCase(name)]
	return val, ok
}

// Del removes the parameter.
func (v Values) Del(name string) { delete(v, util.LCase(name)) }

// Clone returns a copy of the parameter set.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for name, val := range v {
		out[name] = val
	}
	return out
}

// Via is a single hop of the Via header field stack.
type Via struct {
	Proto     string         `json:"proto"`
	Transport TransportProto `json:"transport"`
	Host      string         `json:"host"`
	Port      uint16         `json:"port,omitempty"`
	Params    Values         `json:"params,omitempty"`
}

// Branch returns the branch parameter of the Via hop.
func (v *Via) Branch() (string, bool) {
	if v == nil {
		return "", false
	}
	return v.Params.Get("branch")
}

// SentBy returns the canonical host:port form used for server transaction
// matching.
func (v *Via) SentBy() string {
	if v == nil {
		return ""
	}
	if v.Port == 0 {
		return util.LCase(v.Host)
	}
	return fmt.Sprintf("%s:%d", util.LCase(v.Host), v.Port)
}

// IsValid reports whether the hop carries the mandatory fields.
func (v *Via) IsValid() bool {
	return v != nil && v.Proto != "" && v.Transport != "" && v.Host != ""
}

func (v *Via) String() string {
	if v == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(v.Proto)
	sb.WriteByte('/')
	sb.WriteString(util.UCase(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy())
	for name, val := range v.Params {
		sb.WriteByte(';')
		sb.WriteString(name)
		if val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the hop.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

// NameAddr is a From/To header field value: a URI with optional display name
// and parameters.
type NameAddr struct {
	Display string `json:"display,omitempty"`
	URI     string `json:"uri"`
	Params  Values `json:"params,omitempty"`
}

// Tag returns the tag parameter of the address.
func (a *NameAddr) Tag() (string, bool) {
	if a == nil {
		return "", false
	}
	return a.Params.Get("tag")
}

// IsValid reports whether the address carries a URI.
func (a *NameAddr) IsValid() bool { return a != nil && a.URI != "" }

// Clone returns a deep copy of the address.
func (a NameAddr) Clone() NameAddr {
	a.Params = a.Params.Clone()
	return a
}

func (a *NameAddr) String() string {
	if a == nil {
		return ""
	}
	var sb strings.Builder
	if a.Display != "" {
		sb.WriteByte('"')
		sb.WriteString(a.Display)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI)
	sb.WriteByte('>')
	for name, val := range a.Params {
		sb.WriteByte(';')
		sb.WriteString(name)
		if val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
	return sb.String()
}

// CSeq is the CSeq header field value.
type CSeq struct {
	SeqNum uint          `json:"seq_num"`
	Method RequestMethod `json:"method"`
}

// IsValid reports whether the CSeq carries the mandatory fields.
func (c CSeq) IsValid() bool { return c.SeqNum > 0 && c.Method.IsValid() }

// Headers holds the header fields the transaction layer inspects.
// Anything else a message may carry is opaque to this layer and travels
// with the message body.
type Headers struct {
	Via         []Via    `json:"via"`
	From        NameAddr `json:"from"`
	To          NameAddr `json:"to"`
	CallID      string   `json:"call_id"`
	CSeq        CSeq     `json:"cseq"`
	MaxForwards uint     `json:"max_forwards,omitempty"`
}

// FirstVia returns the topmost Via hop.
func (h *Headers) FirstVia() (*Via, bool) {
	if h == nil || len(h.Via) == 0 {
		return nil, false
	}
	return &h.Via[0], true
}

// Validate checks that the mandatory header fields are present.
func (h *Headers) Validate() error {
	switch {
	case h == nil:
		return errtrace.Wrap(NewInvalidArgumentError("missing headers"))
	case len(h.Via) == 0:
		return errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	case !h.From.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing From header"))
	case !h.To.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing To header"))
	case h.CallID == "":
		return errtrace.Wrap(NewInvalidArgumentError("missing Call-ID header"))
	case !h.CSeq.IsValid():
		return errtrace.Wrap(NewInvalidArgumentError("missing CSeq header"))
	}
	for i := range h.Via {
		if !h.Via[i].IsValid() {
			return errtrace.Wrap(NewInvalidArgumentError("invalid Via header"))
		}
	}
	return nil
}

// Clone returns a deep copy of the headers.
func (h *Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	out := Headers{
		From:        h.From.Clone(),
		To:          h.To.Clone(),
		CallID:      h.CallID,
		CSeq:        h.CSeq,
		MaxForwards: h.MaxForwards,
	}
	if h.Via != nil {
		out.Via = make([]Via, len(h.Via))
		for i := range h.Via {
			out.Via[i] = h.Via[i].Clone()
		}
	}
	return out
}

// LogValue implements [slog.LogValuer].
func (h *Headers) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	via, _ := h.FirstVia()
	return slog.GroupValue(
		slog.String("via", via.String()),
		slog.String("call_id", h.CallID),
		slog.Uint64("cseq_num", uint64(h.CSeq.SeqNum)),
		slog.String("cseq_method", string(h.CSeq.Method)),
	)
}

// Message is a SIP request or response as seen by the transaction layer.
type Message interface {
	// Validate checks the message carries the mandatory header fields.
	Validate() error
}

// GetMessageHeaders extracts the header fields from any known message form.
func GetMessageHeaders(msg Message) *Headers {
	switch m := msg.(type) {
	case *Request:
		return &m.Headers
	case *Response:
		return &m.Headers
	case interface{ Headers() *Headers }:
		return m.Headers()
	}
	return nil
}

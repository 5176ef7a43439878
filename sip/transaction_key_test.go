package sip_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rtckit/siptx/sip"
)

func TestClientTransactionKey_FillFromMessage(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("55.55.55.55:5060")
	laddr := netip.MustParseAddrPort("11.11.11.11:5060")
	branch := sip.MagicCookie + ".cln-key"
	req := newOutInviteReq(t, sip.TransportProto("UDP"), branch, laddr, raddr)

	var reqKey sip.ClientTransactionKey
	if err := reqKey.FillFromMessage(req.Message()); err != nil {
		t.Fatalf("reqKey.FillFromMessage() error = %v, want nil", err)
	}

	want := sip.ClientTransactionKey{Branch: branch, Method: "INVITE"}
	if diff := cmp.Diff(want, reqKey); diff != "" {
		t.Fatalf("request key mismatch (-want +got):\n%s", diff)
	}

	// responses carry the request Via, both sides compute the same key
	res := newInRes(t, req, sip.ResponseStatusRinging)

	var resKey sip.ClientTransactionKey
	if err := resKey.FillFromMessage(res.Message()); err != nil {
		t.Fatalf("resKey.FillFromMessage() error = %v, want nil", err)
	}

	if !reqKey.Equal(resKey) {
		t.Fatalf("request key %v does not match response key %v", reqKey, resKey)
	}
}

func TestClientTransactionKey_Equal(t *testing.T) {
	t.Parallel()

	key := sip.ClientTransactionKey{Branch: sip.MagicCookie + ".eq", Method: "INVITE"}

	if !key.Equal(key) {
		t.Error("key must equal itself")
	}
	if !key.Equal(&key) {
		t.Error("key must equal a pointer to an equal key")
	}
	if !key.Equal(sip.ClientTransactionKey{Branch: key.Branch, Method: "invite"}) {
		t.Error("method comparison must be case-insensitive")
	}
	if key.Equal(sip.ClientTransactionKey{Branch: key.Branch, Method: "CANCEL"}) {
		t.Error("keys with different methods must not be equal")
	}
	if key.Equal(sip.ClientTransactionKey{Branch: sip.MagicCookie + ".other", Method: "INVITE"}) {
		t.Error("keys with different branches must not be equal")
	}
	if key.Equal((*sip.ClientTransactionKey)(nil)) {
		t.Error("key must not equal a nil pointer")
	}
	if key.Equal("not a key") {
		t.Error("key must not equal a value of another type")
	}
}

func TestClientTransactionKey_BinaryRoundTrip(t *testing.T) {
	t.Parallel()

	key := sip.ClientTransactionKey{Branch: sip.MagicCookie + ".bin", Method: "invite"}

	data, err := key.MarshalBinary()
	if err != nil {
		t.Fatalf("key.MarshalBinary() error = %v, want nil", err)
	}

	var got sip.ClientTransactionKey
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("got.UnmarshalBinary() error = %v, want nil", err)
	}

	// the binary form canonicalizes the method
	want := sip.ClientTransactionKey{Branch: key.Branch, Method: "INVITE"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-tripped key mismatch (-want +got):\n%s", diff)
	}
}

func TestClientTransactionKey_UnmarshalBinary_Invalid(t *testing.T) {
	t.Parallel()

	var key sip.ClientTransactionKey
	if err := key.UnmarshalBinary(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("key.UnmarshalBinary(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	data, err := sip.ClientTransactionKey{Branch: sip.MagicCookie + ".trail", Method: "INVITE"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v, want nil", err)
	}
	if err := key.UnmarshalBinary(append(data, 0)); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("key.UnmarshalBinary(trailing data) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestServerTransactionKey_FillFromMessage_RFC3261(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("55.55.55.55:5060")
	laddr := netip.MustParseAddrPort("11.11.11.11:5060")
	branch := sip.MagicCookie + ".srv-key"
	req := newInInviteReq(t, sip.TransportProto("UDP"), branch, laddr, raddr)

	var invKey sip.ServerTransactionKey
	if err := invKey.FillFromMessage(req); err != nil {
		t.Fatalf("invKey.FillFromMessage() error = %v, want nil", err)
	}

	if invKey.Branch != branch {
		t.Fatalf("invKey.Branch = %q, want %q", invKey.Branch, branch)
	}
	if invKey.Method != "INVITE" {
		t.Fatalf("invKey.Method = %q, want INVITE", invKey.Method)
	}
	if !invKey.IsValid() {
		t.Fatal("invKey must be valid")
	}

	// a non-2xx ACK reuses the INVITE branch and maps onto the INVITE key
	res := newOutRes(t, req, sip.ResponseStatusBusyHere)
	ack := newInAckReq(t, req, res)

	var ackKey sip.ServerTransactionKey
	if err := ackKey.FillFromMessage(ack); err != nil {
		t.Fatalf("ackKey.FillFromMessage() error = %v, want nil", err)
	}

	if !invKey.Equal(ackKey) {
		t.Fatalf("INVITE key %+v does not match ACK key %+v", invKey, ackKey)
	}
}

func TestServerTransactionKey_FillFromMessage_RFC2543(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("55.55.55.55:5060")
	laddr := netip.MustParseAddrPort("11.11.11.11:5060")
	req := newInInviteReq(t, sip.TransportProto("UDP"), "rfc2543.srv-key", laddr, raddr)

	var invKey sip.ServerTransactionKey
	if err := invKey.FillFromMessage(req); err != nil {
		t.Fatalf("invKey.FillFromMessage() error = %v, want nil", err)
	}

	if invKey.Branch != "" {
		t.Fatalf("invKey.Branch = %q, want empty for pre-RFC3261 request", invKey.Branch)
	}
	if invKey.FromTag == "" || invKey.CallID == "" || invKey.CSeqNum == 0 {
		t.Fatalf("incomplete key %+v", invKey)
	}
	if !invKey.IsValid() {
		t.Fatal("invKey must be valid")
	}

	// the ACK To tag is cleared during normalization, the key collapses onto
	// the INVITE key
	res := newOutRes(t, req, sip.ResponseStatusBusyHere)
	ack := newInAckReq(t, req, res)

	var ackKey sip.ServerTransactionKey
	if err := ackKey.FillFromMessage(ack); err != nil {
		t.Fatalf("ackKey.FillFromMessage() error = %v, want nil", err)
	}

	if ackKey.Method != "INVITE" {
		t.Fatalf("ackKey.Method = %q, want INVITE", ackKey.Method)
	}
	if !invKey.Equal(ackKey) {
		t.Fatalf("INVITE key %+v does not match ACK key %+v", invKey, ackKey)
	}
}

func TestServerTransactionKey_FillFromMessage_RFC2543_MissingTags(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("55.55.55.55:5060")
	laddr := netip.MustParseAddrPort("11.11.11.11:5060")

	noFromTag := newInviteReq(t, sip.TransportProto("UDP"), "rfc2543.no-from-tag", raddr)
	noFromTag.Headers.From.Params = nil

	var key sip.ServerTransactionKey
	err := key.FillFromMessage(sip.NewInboundRequest(noFromTag, laddr, raddr))
	if !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("FillFromMessage(no From tag) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	// pre-RFC3261 non-INVITE requests must carry a To tag
	noToTag := newNonInviteReq(t, sip.TransportProto("UDP"), "rfc2543.no-to-tag", raddr)

	err = key.FillFromMessage(sip.NewInboundRequest(noToTag, laddr, raddr))
	if !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("FillFromMessage(no To tag) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestServerTransactionKey_Equal(t *testing.T) {
	t.Parallel()

	rfc3261 := sip.ServerTransactionKey{
		Branch: sip.MagicCookie + ".eq",
		SentBy: "55.55.55.55:5060",
		Method: "INVITE",
	}

	if !rfc3261.Equal(rfc3261) {
		t.Error("key must equal itself")
	}
	if !rfc3261.Equal(&rfc3261) {
		t.Error("key must equal a pointer to an equal key")
	}
	other := rfc3261
	other.Method = "invite"
	other.SentBy = "55.55.55.55:5060"
	if !rfc3261.Equal(other) {
		t.Error("method comparison must be case-insensitive")
	}
	other = rfc3261
	other.Branch = sip.MagicCookie + ".other"
	if rfc3261.Equal(other) {
		t.Error("keys with different branches must not be equal")
	}
	if rfc3261.Equal((*sip.ServerTransactionKey)(nil)) {
		t.Error("key must not equal a nil pointer")
	}
	if rfc3261.Equal(42) {
		t.Error("key must not equal a value of another type")
	}

	rfc2543 := sip.ServerTransactionKey{
		Method:  "INVITE",
		URI:     "sip:alice@alice.voip.com",
		FromTag: "from-1234",
		CallID:  "call-1234@bob.voip.com",
		CSeqNum: 1,
		Via:     "sip/2.0/udp 55.55.55.55:5060;branch=rfc2543.eq",
	}

	if !rfc2543.Equal(rfc2543) {
		t.Error("key must equal itself")
	}
	other = rfc2543
	other.ToTag = "to-1234"
	if rfc2543.Equal(other) {
		t.Error("keys with different To tags must not be equal")
	}
	other = rfc2543
	other.CSeqNum = 2
	if rfc2543.Equal(other) {
		t.Error("keys with different CSeq numbers must not be equal")
	}
}

func TestServerTransactionKey_BinaryRoundTrip(t *testing.T) {
	t.Parallel()

	keys := map[string]sip.ServerTransactionKey{
		"rfc3261": {
			Branch: sip.MagicCookie + ".bin",
			SentBy: "55.55.55.55:5060",
			Method: "INVITE",
		},
		"rfc2543": {
			Method:  "INVITE",
			URI:     "sip:alice@alice.voip.com",
			FromTag: "from-1234",
			ToTag:   "to-1234",
			CallID:  "call-1234@bob.voip.com",
			CSeqNum: 42,
			Via:     "sip/2.0/udp 55.55.55.55:5060;branch=rfc2543.bin",
		},
	}

	for name, key := range keys {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			data, err := key.MarshalBinary()
			if err != nil {
				t.Fatalf("key.MarshalBinary() error = %v, want nil", err)
			}

			var got sip.ServerTransactionKey
			if err := got.UnmarshalBinary(data); err != nil {
				t.Fatalf("got.UnmarshalBinary() error = %v, want nil", err)
			}

			if diff := cmp.Diff(key, got); diff != "" {
				t.Fatalf("round-tripped key mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServerTransactionKey_UnmarshalBinary_Invalid(t *testing.T) {
	t.Parallel()

	var key sip.ServerTransactionKey
	if err := key.UnmarshalBinary(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("key.UnmarshalBinary(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if err := key.UnmarshalBinary([]byte{0xff}); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("key.UnmarshalBinary(unknown format) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

package sip_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rtckit/siptx/sip"
)

func newInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	rmtAddr netip.AddrPort,
) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	return &sip.Request{
		Proto:  sip.ProtoVer20(),
		Method: sip.RequestMethodInvite,
		URI:    "sip:alice@alice.voip.com",
		Headers: sip.Headers{
			Via: []sip.Via{
				{
					Proto:     sip.ProtoVer20(),
					Transport: tp,
					Host:      rmtAddr.Addr().String(),
					Port:      rmtAddr.Port(),
					Params:    make(sip.Values).Set("branch", branch),
				},
			},
			From: sip.NameAddr{
				URI:    "sip:bob@bob.voip.com",
				Params: make(sip.Values).Set("tag", "from-1234"),
			},
			To: sip.NameAddr{
				URI: "sip:alice@alice.voip.com",
			},
			CallID:      "call-1234@bob.voip.com",
			CSeq:        sip.CSeq{SeqNum: 1, Method: sip.RequestMethodInvite},
			MaxForwards: 70,
		},
	}
}

func newInInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(newInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.OutboundRequest {
	tb.Helper()

	req := sip.NewOutboundRequest(newInviteReq(tb, tp, branch, rmtAddr))
	req.SetLocalAddr(locAddr)
	req.SetRemoteAddr(rmtAddr)
	return req
}

func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone()
	ack.Method = sip.RequestMethodAck
	if via, ok := ack.Headers.FirstVia(); ok && res.Status.IsSuccessful() {
		if branch, _ := via.Branch(); sip.IsRFC3261Branch(branch) {
			via.Params.Set("branch", branch+".ack")
		}
	}
	ack.Headers.CSeq = sip.CSeq{SeqNum: invite.Headers.CSeq.SeqNum, Method: sip.RequestMethodAck}
	ack.Headers.To = res.Headers.To.Clone()
	return ack
}

func newInAckReq(tb testing.TB, invite *sip.InboundRequest, res *sip.OutboundResponse) *sip.InboundRequest {
	tb.Helper()

	return sip.NewInboundRequest(
		newAckReq(tb, invite.Message(), res.Message()),
		invite.LocalAddr(),
		invite.RemoteAddr(),
	)
}

func newNonInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	rmtAddr netip.AddrPort,
) *sip.Request {
	tb.Helper()

	req := newInviteReq(tb, tp, branch, rmtAddr)
	req.Method = sip.RequestMethodInfo
	req.Headers.CSeq = sip.CSeq{SeqNum: req.Headers.CSeq.SeqNum, Method: sip.RequestMethodInfo}
	return req
}

func newInNonInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(newNonInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutNonInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.OutboundRequest {
	tb.Helper()

	req := sip.NewOutboundRequest(newNonInviteReq(tb, tp, branch, rmtAddr))
	req.SetLocalAddr(locAddr)
	req.SetRemoteAddr(rmtAddr)
	return req
}

func newInRes(tb testing.TB, req *sip.OutboundRequest, sts sip.ResponseStatus) *sip.InboundResponse {
	tb.Helper()

	msg, err := req.Message().NewResponse(sts, nil)
	if err != nil {
		tb.Fatalf("failed to create response: %v", err)
	}

	return sip.NewInboundResponse(msg, req.LocalAddr(), req.RemoteAddr())
}

func newOutRes(tb testing.TB, req *sip.InboundRequest, sts sip.ResponseStatus) *sip.OutboundResponse {
	tb.Helper()

	msg, err := req.Message().NewResponse(sts, nil)
	if err != nil {
		tb.Fatalf("failed to create response: %v", err)
	}

	return sip.NewOutboundResponse(msg)
}

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.InboundResponse, want sip.ResponseStatus) {
	tb.Helper()

	select {
	case res := <-resCh:
		if res.Status() != want {
			tb.Fatalf("response status = %v, want %v", res.Status(), want)
		}
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("response %v wait timeout", want)
	}
}

//nolint:unparam
func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}

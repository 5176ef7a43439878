package sip_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/sip"
)

// sendReqCall captures a request send call for testing.
type sendReqCall struct {
	req  *sip.OutboundRequest
	opts *sip.SendRequestOptions
}

// sendResCall captures a response send call for testing.
type sendResCall struct {
	res  *sip.OutboundResponse
	opts *sip.SendResponseOptions
}

// stubTransport is a unified test stub implementing sip.Transport.
// It can be used as ClientTransport, ServerTransport, or full Transport.
type stubTransport struct {
	proto   sip.TransportProto
	laddr   netip.AddrPort
	network string
	rel     bool // reliable transport flag

	mu sync.Mutex

	// Request tracking
	sentReqs    []sendReqCall
	sendReqCh   chan sendReqCall
	sendReqHook func(call sendReqCall, index int) error

	// Response tracking
	sentRess    []sendResCall
	sendResCh   chan sendResCall
	sendResHook func(call sendResCall, index int) error
}

func newStubTransport(proto sip.TransportProto, port uint16) *stubTransport {
	laddr := netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", port))
	return &stubTransport{
		proto:     proto,
		laddr:     laddr,
		network:   strings.ToLower(string(proto)),
		sendReqCh: make(chan sendReqCall, 16),
		sendResCh: make(chan sendResCall, 16),
	}
}

func newStubTransportExt(
	proto sip.TransportProto,
	netw string,
	laddr netip.AddrPort,
	rel bool,
) *stubTransport {
	return &stubTransport{
		proto:     proto,
		laddr:     laddr,
		network:   netw,
		rel:       rel,
		sendReqCh: make(chan sendReqCall, 16),
		sendResCh: make(chan sendResCall, 16),
	}
}

func (st *stubTransport) LocalAddr() netip.AddrPort { return st.laddr }

func (st *stubTransport) Proto() sip.TransportProto { return st.proto }

func (st *stubTransport) Network() string { return st.network }

func (st *stubTransport) Reliable() bool { return st.rel }

func (st *stubTransport) SendRequest(_ context.Context, req *sip.OutboundRequest, opts *sip.SendRequestOptions) error {
	call := sendReqCall{req: req}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}

	st.mu.Lock()
	st.sentReqs = append(st.sentReqs, call)
	idx := len(st.sentReqs) - 1
	hook := st.sendReqHook
	st.mu.Unlock()

	if hook != nil {
		if err := hook(call, idx); err != nil {
			return errtrace.Wrap(err)
		}
	}

	st.sendReqCh <- call
	return nil
}

func (st *stubTransport) setSendReqHook(fn func(sendReqCall, int) error) {
	st.mu.Lock()
	st.sendReqHook = fn
	st.mu.Unlock()
}

func (st *stubTransport) SendResponse(_ context.Context, res *sip.OutboundResponse, opts *sip.SendResponseOptions) error {
	call := sendResCall{res: res}
	if opts != nil {
		copied := *opts
		call.opts = &copied
	}

	st.mu.Lock()
	st.sentRess = append(st.sentRess, call)
	idx := len(st.sentRess) - 1
	hook := st.sendResHook
	st.mu.Unlock()

	if hook != nil {
		if err := hook(call, idx); err != nil {
			return errtrace.Wrap(err)
		}
	}

	st.sendResCh <- call
	return nil
}

func (st *stubTransport) setSendResHook(fn func(sendResCall, int) error) {
	st.mu.Lock()
	st.sendResHook = fn
	st.mu.Unlock()
}

func (st *stubTransport) requestCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sentReqs)
}

func (st *stubTransport) responseCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sentRess)
}

// waitSendReq waits for a request to be sent and returns it.
func (st *stubTransport) waitSendReq(tb testing.TB, timeout time.Duration) sendReqCall {
	tb.Helper()
	select {
	case call := <-st.sendReqCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("expected request send within %v", timeout)
		return sendReqCall{}
	}
}

// waitSendRes waits for a response to be sent and returns it.
func (st *stubTransport) waitSendRes(tb testing.TB, timeout time.Duration) sendResCall {
	tb.Helper()
	select {
	case call := <-st.sendResCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("expected response send within %v", timeout)
		return sendResCall{}
	}
}

// ensureNoSendReq asserts no request is sent within timeout.
func (st *stubTransport) ensureNoSendReq(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-st.sendReqCh:
		tb.Fatalf("unexpected send: method %v", call.req.Method())
	case <-time.After(timeout):
	}
}

// ensureNoSendRes asserts no response is sent within timeout.
func (st *stubTransport) ensureNoSendRes(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case call := <-st.sendResCh:
		tb.Fatalf("unexpected send: status %v", call.res.Status())
	case <-time.After(timeout):
	}
}

// drainSendReqs drains all pending request sends from the channel.
func (st *stubTransport) drainSendReqs() {
	for {
		select {
		case <-st.sendReqCh:
		default:
			return
		}
	}
}

// drainSendRess drains all pending response sends from the channel.
func (st *stubTransport) drainSendRess() {
	for {
		select {
		case <-st.sendResCh:
		default:
			return
		}
	}
}

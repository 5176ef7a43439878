package sip_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/rtckit/siptx/sip"
)

func TestNonInviteClientTransaction_LifecycleUnreliable(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".client-noninvite", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(req, tp, opts) error = %v, want nil", err)
	}

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInfo)
	}
	if call.req.RemoteAddr() != remote {
		t.Fatalf("initial send remote addr = %v, want %v", call.req.RemoteAddr(), remote)
	}

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer E should retransmit the request while waiting for a response on unreliable transports.
	retrans := tp.waitSendReq(t, timings.TimeE()+50*time.Millisecond)
	if retrans.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("retransmit method = %q, want %q", retrans.req.Method(), sip.RequestMethodInfo)
	}

	resCh := make(chan *sip.InboundResponse, 2)
	tx.OnResponse(func(_ context.Context, res *sip.InboundResponse) {
		resCh <- res
	})

	ctx := t.Context()
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusRinging)

	tp.drainSendReqs()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)

	if res := tx.LastResponse(); res.Status() != sip.ResponseStatusOK {
		t.Fatalf("tx.LastResponse().Status() = %v, want %v", res.Status(), sip.ResponseStatusOK)
	}

	tp.drainSendReqs()
	tp.ensureNoSendReq(t, timings.TimeE()+20*time.Millisecond)

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeK()+200*time.Millisecond)
	tp.ensureNoSendReq(t, 2*timings.TimeE())
}

func TestNonInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".client-noninvite-rejected", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(req, tp, opts) error = %v, want nil", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	resCh := make(chan *sip.InboundResponse, 2)
	tx.OnResponse(func(_ context.Context, res *sip.InboundResponse) {
		resCh <- res
	})

	ctx := t.Context()
	busy := newInRes(t, req, sip.ResponseStatusBusyHere)
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusBusyHere)

	// Retransmitted final response is absorbed, not redelivered.
	if err := tx.RecvResponse(ctx, busy.Clone()); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486 retransmit) error = %v, want nil", err)
	}
	select {
	case res := <-resCh:
		t.Fatalf("unexpected response %v delivered on retransmit", res.Status())
	case <-time.After(50 * time.Millisecond):
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeK()+200*time.Millisecond)
}

func TestNonInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 6*t1, 32*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".client-noninvite-timeout", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(req, tp, opts) error = %v, want nil", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, err error) {
		errCh <- err
	})

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeF()+200*time.Millisecond)

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTimedOut) {
			t.Fatalf("OnError callback error = %v, want %v", err, sip.ErrTransactionTimedOut)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("OnError callback wait timeout")
	}

	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestNonInviteClientTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 10 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)

	remote := netip.MustParseAddrPort("66.66.66.66:5080")
	local := netip.MustParseAddrPort("22.22.22.22:5071")

	origTP := newStubTransportExt("TCP", "tcp", local, true)
	req := newOutNonInviteReq(t, origTP.Proto(), sip.MagicCookie+".client-noninvite-snapshot", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, origTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(req, tp, opts) error = %v, want nil", err)
	}

	call := origTP.waitSendReq(t, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInfo)
	}

	ctx := t.Context()
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	snap := tx.Snapshot()
	if snap == nil {
		t.Fatal("tx.Snapshot() = nil, want snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snapshot) error = %v, want nil", err)
	}

	var snapCopy sip.ClientTransactionSnapshot
	if err := json.Unmarshal(data, &snapCopy); err != nil {
		t.Fatalf("json.Unmarshal(snapshot) error = %v, want nil", err)
	}

	restoredTP := newStubTransportExt("TCP", "tcp", local, true)
	restored, err := sip.RestoreNonInviteClientTransaction(t.Context(), &snapCopy, restoredTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreNonInviteClientTransaction(snap, tp, opts) error = %v, want nil", err)
	}

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if got, want := restored.Key(), tx.Key(); !got.Equal(want) {
		t.Fatalf("restored.Key() = %v, want %v", got, want)
	}
	if res := restored.LastResponse(); res.Status() != sip.ResponseStatusOK {
		t.Fatalf("restored.LastResponse().Status() = %v, want %v", res.Status(), sip.ResponseStatusOK)
	}

	waitForTransactState(t, restored, sip.TransactionStateTerminated, timings.TimeK()+200*time.Millisecond)
	restoredTP.ensureNoSendReq(t, 100*time.Millisecond)
}

func TestNonInviteClientTransaction_Terminate_FromTrying(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".terminate-trying", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction error = %v", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	if got := tx.State(); got != sip.TransactionStateTrying {
		t.Fatalf("State() = %q, want %q", got, sip.TransactionStateTrying)
	}

	stateCh := make(chan sip.TransactionState, 1)
	tx.OnStateChanged(func(_ context.Context, _, to sip.TransactionState) {
		if to == sip.TransactionStateTerminated {
			stateCh <- to
		}
	})

	ctx := t.Context()
	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	select {
	case <-stateCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("OnStateChanged not called for Terminated")
	}

	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("State() after Terminate = %q, want %q", got, sip.TransactionStateTerminated)
	}

	tp.ensureNoSendReq(t, 2*t1)
}

func TestNonInviteClientTransaction_Terminate_FromProceeding(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".terminate-proceeding", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction error = %v", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)
	ctx := t.Context()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("RecvResponse(180) error = %v", err)
	}
	tp.drainSendReqs()

	if got := tx.State(); got != sip.TransactionStateProceeding {
		t.Fatalf("State() = %q, want %q", got, sip.TransactionStateProceeding)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("State() after Terminate = %q, want %q", got, sip.TransactionStateTerminated)
	}

	tp.ensureNoSendReq(t, 2*t1)
}

func TestNonInviteClientTransaction_Terminate_FromCompleted(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".terminate-completed", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("NewNonInviteClientTransaction error = %v", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)
	ctx := t.Context()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("RecvResponse(200) error = %v", err)
	}
	tp.drainSendReqs()

	if got := tx.State(); got != sip.TransactionStateCompleted {
		t.Fatalf("State() = %q, want %q", got, sip.TransactionStateCompleted)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("State() after Terminate = %q, want %q", got, sip.TransactionStateTerminated)
	}

	tp.ensureNoSendReq(t, 2*t1)
}

func TestNonInviteClientTransaction_OnError_ReplaysEarlySendError(t *testing.T) {
	t.Parallel()

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	tp.setSendReqHook(func(sendReqCall, int) error {
		return sip.ErrTransportClosed
	})
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".client-early-err", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(req, tp, nil) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// the send failed before any callback was registered, the error must be
	// buffered and delivered on registration
	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, err error) {
		errCh <- err
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransportClosed) {
			t.Fatalf("replayed error = %v, want %v", err, sip.ErrTransportClosed)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected buffered transport error")
	}
}

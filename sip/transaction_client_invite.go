package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction state
// machine defined in RFC 3261 Section 17.1.1 with the RFC 6026 "Accepted"
// state extension.
type InviteClientTransaction struct {
	*clientTransact

	timerA atomic.Pointer[timeutil.Timer] // request retransmission
	timerB atomic.Pointer[timeutil.Timer] // transaction timeout
	timerD atomic.Pointer[timeutil.Timer] // wait for final response retransmits
	timerM atomic.Pointer[timeutil.Timer] // wait for 2xx retransmits
}

// NewInviteClientTransaction creates a new INVITE client transaction for the request.
//
// The request is sent immediately and retransmitted with exponential backoff
// until a provisional or final response arrives (unreliable transports only).
func NewInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &InviteClientTransaction{}
	base, err := newClientTransact(ctx, TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = base

	if err := tx.initFSM(TransactionStateCalling); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actCalling(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// RestoreInviteClientTransaction restores an INVITE client transaction from a snapshot
// previously taken with [InviteClientTransaction.Snapshot].
func RestoreInviteClientTransaction(
	ctx context.Context,
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings
	opts.SendOptions = cloneSendReqOpts(snap.SendOptions)

	tx := &InviteClientTransaction{}
	base, err := newClientTransact(ctx, TransactionTypeClientInvite, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = base
	tx.lastRes.Store(snap.LastResponse)

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.restoreTimers(snap)
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

//nolint:dupl
func (tx *InviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateCalling).
		OnEntry(tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return nil //nolint:nilerr
	}

	if !IsReliableTransport(tx.tp) {
		tx.timerA.Store(timeutil.AfterFunc(tx.timings.TimeA(), tx.onTimerA))
	}
	tx.timerB.Store(timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerB))
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	if tx.State() != TransactionStateCalling {
		return
	}
	tx.fireTimer(txEvtTimerA)
	if tmr := tx.timerA.Load(); tmr != nil {
		tmr.Reset(2 * tmr.Duration())
	}
}

func (tx *InviteClientTransaction) onTimerB() {
	if tx.State() != TransactionStateCalling {
		return
	}
	tx.fireTimer(txEvtTimerB)
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert

	ack, err := NewAckRequest(tx.req.Message(), res.Message())
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelError, "build ACK request",
			slog.Any("transaction", tx), slog.Any("error", err))
		return nil
	}

	out := NewOutboundRequest(ack)
	out.SetLocalAddr(res.LocalAddr())
	out.SetRemoteAddr(res.RemoteAddr())

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK request",
		slog.Any("transaction", tx), slog.Any("request", out))

	tx.sendReq(ctx, out) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimers()
	timeD := tx.timings.TimeD()
	if IsReliableTransport(tx.tp) {
		timeD = 0
	}
	tx.timerD.Store(timeutil.AfterFunc(timeD, tx.onTimerD))
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	if tx.State() != TransactionStateCompleted {
		return
	}
	tx.fireTimer(txEvtTimerD)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimers()
	tx.timerM.Store(timeutil.AfterFunc(tx.timings.TimeM(), tx.onTimerM))
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	if tx.State() != TransactionStateAccepted {
		return
	}
	tx.fireTimer(txEvtTimerM)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimers()
	if tmr := tx.timerD.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerM.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

func (tx *InviteClientTransaction) stopTimers() {
	if tmr := tx.timerA.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerB.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

func (tx *InviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		SendOptions:  cloneSendReqOpts(tx.sendOpts),
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		TimerA:       tx.timerA.Load().Snapshot(),
		TimerB:       tx.timerB.Load().Snapshot(),
		TimerD:       tx.timerD.Load().Snapshot(),
		TimerM:       tx.timerM.Load().Snapshot(),
	}
}

func (tx *InviteClientTransaction) restoreTimers(snap *ClientTransactionSnapshot) {
	if tmr := timeutil.RestoreTimer(snap.TimerA); tmr != nil {
		tx.timerA.Store(tmr)
		tmr.SetCallback(tx.onTimerA)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerB); tmr != nil {
		tx.timerB.Store(tmr)
		tmr.SetCallback(tx.onTimerB)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerD); tmr != nil {
		tx.timerD.Store(tmr)
		tmr.SetCallback(tx.onTimerD)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerM); tmr != nil {
		tx.timerM.Store(tmr)
		tmr.SetCallback(tx.onTimerM)
	}
}

package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/timeutil"
	"github.com/rtckit/siptx/internal/types"
)

// InviteServerTransaction implements the INVITE server transaction state
// machine defined in RFC 3261 Section 17.2.1 with the RFC 6026 "Accepted"
// state extension.
type InviteServerTransaction struct {
	*serverTransact

	timer1xx atomic.Pointer[timeutil.Timer] // auto 100 Trying
	timerG   atomic.Pointer[timeutil.Timer] // response retransmission
	timerH   atomic.Pointer[timeutil.Timer] // wait for ACK
	timerI   atomic.Pointer[timeutil.Timer] // absorb ACK retransmits
	timerL   atomic.Pointer[timeutil.Timer] // wait for 2xx retransmits

	onAck       types.CallbackManager[RequestHandler]
	pendingAcks types.Deque[*InboundRequest]
}

// NewInviteServerTransaction creates a new INVITE server transaction for the request.
//
// If the TU does not pass any provisional response within the 1xx timer
// interval, the transaction sends a 100 Trying response on its own.
func NewInviteServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &InviteServerTransaction{}
	base, err := newServerTransact(ctx, TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = base

	if err := tx.initFSM(TransactionStateProceeding); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actProceeding(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// RestoreInviteServerTransaction restores an INVITE server transaction from a snapshot
// previously taken with [InviteServerTransaction.Snapshot].
func RestoreInviteServerTransaction(
	ctx context.Context,
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeServerInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &InviteServerTransaction{}
	base, err := newServerTransact(ctx, TransactionTypeServerInvite, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = base
	tx.lastRes.Store(snap.LastResponse)
	if snap.SendOptions != nil {
		tx.sendOpts.Store(cloneSendResOpts(snap.SendOptions))
	}

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.restoreTimers(snap)
	return tx, nil
}

const (
	txEvtRecvAck  = "recv_ack"
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerL   = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*InboundRequest)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res, err := tx.req.NewResponse(ResponseStatusTrying, nil)
	if err != nil {
		// Request is always valid, so this should never happen.
		panic(fmt.Errorf("create auto %q response: %w", ResponseStatusTrying, err))
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.sendRes(ctx, res, nil) //nolint:errcheck
	return nil
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	if tmr := tx.timer1xx.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "1xx timer stopped", slog.Any("transaction", tx))
	}
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*InboundRequest) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass ACK", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.pendingAcks.Append(ack)
	if tx.onAck.Len() > 0 {
		tx.deliverPendingAcks()
	}
	return nil
}

func (tx *InviteServerTransaction) deliverPendingAcks() {
	acks := tx.pendingAcks.Drain()
	if len(acks) == 0 {
		return
	}

	for fn := range tx.onAck.All() {
		for _, ack := range acks {
			fn(tx.ctx, ack)
		}
	}
}

//nolint:unparam
func (tx *InviteServerTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.serverTransact.actProceeding(ctx, args...) //nolint:errcheck

	tmr := timeutil.AfterFunc(tx.timings.Time100(), tx.onTimer1xx)
	tx.timer1xx.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"1xx timer started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.timer1xx.Store(nil)

	if tx.State() != TransactionStateProceeding {
		return
	}
	tx.fireTimer(txEvtTimer1xx)
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tmr := timeutil.AfterFunc(tx.timings.TimeL(), tx.onTimerL)
	tx.timerL.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer L started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.timerL.Store(nil)

	if tx.State() != TransactionStateAccepted {
		return
	}
	tx.fireTimer(txEvtTimerL)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.AfterFunc(tx.timings.TimeG(), tx.onTimerG)
		tx.timerG.Store(tmr)

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer G started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeH(), tx.onTimerH)
	tx.timerH.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer H started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	if tx.State() != TransactionStateCompleted {
		tx.timerG.Store(nil)
		return
	}
	tx.fireTimer(txEvtTimerG)

	if tmr := tx.timerG.Load(); tmr != nil {
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.timerH.Store(nil)

	if tx.State() != TransactionStateCompleted {
		return
	}
	tx.fireTimer(txEvtTimerH)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	if tmr := tx.timerH.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer H stopped", slog.Any("transaction", tx))
	}
	if tmr := tx.timerG.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer G stopped", slog.Any("transaction", tx))
	}

	var timeI time.Duration
	if !IsReliableTransport(tx.tp) {
		timeI = tx.timings.TimeI()
	}
	tx.timerI.Store(timeutil.AfterFunc(timeI, tx.onTimerI))
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.timerI.Store(nil)

	if tx.State() != TransactionStateConfirmed {
		return
	}
	tx.fireTimer(txEvtTimerI)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	if tmr := tx.timer1xx.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	// timer G can be active after transition to here by timer H
	if tmr := tx.timerG.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerH.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerI.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerL.Swap(nil); tmr != nil {
		tmr.Stop()
	}

	return nil
}

func (tx *InviteServerTransaction) adjustKeys(txKey, reqKey *ServerTransactionKey, req *InboundRequest) {
	if !IsRFC3261Branch(txKey.Branch) && req.Method().Equal(RequestMethodAck) {
		reqKey.ToTag, _ = req.Headers().To.Tag()

		if res := tx.LastResponse(); res != nil {
			txKey.ToTag, _ = res.Headers().To.Tag()
		}
	}
}

func (tx *InviteServerTransaction) recvReq(ctx context.Context, req *InboundRequest) error {
	if req.Method().Equal(RequestMethodAck) {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.serverTransact.recvReq(ctx, req))
}

// OnAck registers a callback to be called when the transaction receives an ACK.
//
// A 2xx ACK can be matched to the INVITE transaction only by RFC 2543 matching rules,
// so this callback is here only for backward compatibility with old clients.
// A 2xx ACK from an RFC 3261 client always goes outside of the INVITE transaction.
//
// The callback will be called with the transaction's context, see [Transaction.Context].
// The transaction can be retrieved from the context using [TransactionFromContext].
//
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *InviteServerTransaction) OnAck(fn RequestHandler) (cancel func()) {
	cancel = tx.onAck.Add(fn)
	tx.deliverPendingAcks()
	return cancel
}

func (tx *InviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendResOpts(tx.sendOpts.Load()),
		Timings:      tx.timings,
		Timer1xx:     tx.timer1xx.Load().Snapshot(),
		TimerG:       tx.timerG.Load().Snapshot(),
		TimerH:       tx.timerH.Load().Snapshot(),
		TimerI:       tx.timerI.Load().Snapshot(),
		TimerL:       tx.timerL.Load().Snapshot(),
	}
}

func (tx *InviteServerTransaction) restoreTimers(snap *ServerTransactionSnapshot) {
	if tmr := timeutil.RestoreTimer(snap.Timer1xx); tmr != nil {
		tx.timer1xx.Store(tmr)
		tmr.SetCallback(tx.onTimer1xx)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerG); tmr != nil {
		tx.timerG.Store(tmr)
		tmr.SetCallback(tx.onTimerG)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerH); tmr != nil {
		tx.timerH.Store(tmr)
		tmr.SetCallback(tx.onTimerH)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerI); tmr != nil {
		tx.timerI.Store(tmr)
		tmr.SetCallback(tx.onTimerI)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerL); tmr != nil {
		tx.timerL.Store(tmr)
		tmr.SetCallback(tx.onTimerL)
	}
}

package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// state machine defined in RFC 3261 Section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	timerE atomic.Pointer[timeutil.Timer] // request retransmission
	timerF atomic.Pointer[timeutil.Timer] // transaction timeout
	timerK atomic.Pointer[timeutil.Timer] // wait for final response retransmits
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction for the request.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if mtd := req.Method(); mtd.Equal(RequestMethodInvite) || mtd.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &NonInviteClientTransaction{}
	base, err := newClientTransact(ctx, TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = base

	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// RestoreNonInviteClientTransaction restores a non-INVITE client transaction from a snapshot
// previously taken with [NonInviteClientTransaction.Snapshot].
func RestoreNonInviteClientTransaction(
	ctx context.Context,
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeClientNonInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings
	opts.SendOptions = cloneSendReqOpts(snap.SendOptions)

	tx := &NonInviteClientTransaction{}
	base, err := newClientTransact(ctx, TransactionTypeClientNonInvite, tx, snap.Request, tp, opts)
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
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

//nolint:dupl
func (tx *NonInviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		OnEntry(tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return nil //nolint:nilerr
	}

	if !IsReliableTransport(tx.tp) {
		tx.timerE.Store(timeutil.AfterFunc(tx.timings.TimeE(), tx.timerEHdlr))
	}
	tx.timerF.Store(timeutil.AfterFunc(tx.timings.TimeF(), tx.timerFHdlr))
	return nil
}

func (tx *NonInviteClientTransaction) timerEHdlr() {
	state := tx.State()
	if state != TransactionStateTrying && state != TransactionStateProceeding {
		return
	}
	tx.fireTimer(txEvtTimerE)

	tmr := tx.timerE.Load()
	if tmr == nil {
		return
	}
	// Backoff doubles up to T2 while trying, then fires at T2 intervals.
	next := tx.timings.T2()
	if state == TransactionStateTrying {
		next = min(2*tmr.Duration(), tx.timings.T2())
	}
	tmr.Reset(next)
}

func (tx *NonInviteClientTransaction) timerFHdlr() {
	state := tx.State()
	if state != TransactionStateTrying && state != TransactionStateProceeding {
		return
	}
	tx.fireTimer(txEvtTimerF)
}

func (tx *NonInviteClientTransaction) timerKHdlr() {
	if tx.State() != TransactionStateCompleted {
		return
	}
	tx.fireTimer(txEvtTimerK)
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimers()
	timeK := tx.timings.TimeK()
	if IsReliableTransport(tx.tp) {
		timeK = 0
	}
	tx.timerK.Store(timeutil.AfterFunc(timeK, tx.timerKHdlr))
	return nil
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimers()
	if tmr := tx.timerK.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

func (tx *NonInviteClientTransaction) stopTimers() {
	if tmr := tx.timerE.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := tx.timerF.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

func (tx *NonInviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		SendOptions:  cloneSendReqOpts(tx.sendOpts),
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		TimerE:       tx.timerE.Load().Snapshot(),
		TimerF:       tx.timerF.Load().Snapshot(),
		TimerK:       tx.timerK.Load().Snapshot(),
	}
}

func (tx *NonInviteClientTransaction) restoreTimers(snap *ClientTransactionSnapshot) {
	if tmr := timeutil.RestoreTimer(snap.TimerE); tmr != nil {
		tx.timerE.Store(tmr)
		tmr.SetCallback(tx.timerEHdlr)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerF); tmr != nil {
		tx.timerF.Store(tmr)
		tmr.SetCallback(tx.timerFHdlr)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerK); tmr != nil {
		tx.timerK.Store(tmr)
		tmr.SetCallback(tx.timerKHdlr)
	}
}

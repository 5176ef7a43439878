package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction
// state machine defined in RFC 3261 Section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	timerJ atomic.Pointer[timeutil.Timer] // absorb request retransmits
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction for the request.
func NewNonInviteServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if mtd := req.Method(); mtd.Equal(RequestMethodInvite) || mtd.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := &NonInviteServerTransaction{}
	base, err := newServerTransact(ctx, TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = base

	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// RestoreNonInviteServerTransaction restores a non-INVITE server transaction from a snapshot
// previously taken with [NonInviteServerTransaction.Snapshot].
func RestoreNonInviteServerTransaction(
	ctx context.Context,
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeServerNonInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &NonInviteServerTransaction{}
	base, err := newServerTransact(ctx, TransactionTypeServerNonInvite, tx, snap.Request, tp, opts)
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

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend2xx, tx.actNoop).
		InternalTransition(txEvtSend300699, tx.actNoop).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtTerminate, tx.actNoop)

	return nil
}

//nolint:unparam
func (tx *NonInviteServerTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	return nil
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	var timeJ time.Duration
	if !IsReliableTransport(tx.tp) {
		timeJ = tx.timings.TimeJ()
	}
	tmr := timeutil.AfterFunc(timeJ, tx.timerJHdlr)
	tx.timerJ.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer J started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)

	return nil
}

func (tx *NonInviteServerTransaction) timerJHdlr() {
	tx.timerJ.Store(nil)

	if tx.State() != TransactionStateCompleted {
		return
	}
	tx.fireTimer(txEvtTimerJ)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	if tmr := tx.timerJ.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer J stopped", slog.Any("transaction", tx))
	}

	return nil
}

func (tx *NonInviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendResOpts(tx.sendOpts.Load()),
		Timings:      tx.timings,
		TimerJ:       tx.timerJ.Load().Snapshot(),
	}
}

func (tx *NonInviteServerTransaction) restoreTimers(snap *ServerTransactionSnapshot) {
	if tmr := timeutil.RestoreTimer(snap.TimerJ); tmr != nil {
		tx.timerJ.Store(tmr)
		tmr.SetCallback(tx.timerJHdlr)
	}
}

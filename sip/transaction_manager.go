package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/errorutil"
	"github.com/rtckit/siptx/internal/types"
	"github.com/rtckit/siptx/log"
)

// ClientTransactionHandler is called with a newly created client transaction.
type ClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)

// ServerTransactionHandler is called with a newly created server transaction.
type ServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)

// TransactionEventKind classifies transaction events delivered to the TU.
type TransactionEventKind string

const (
	// TransactionEventProvisional is emitted when a client transaction receives a 1xx response.
	TransactionEventProvisional TransactionEventKind = "provisional"
	// TransactionEventSuccess is emitted when a client transaction receives a 2xx response.
	TransactionEventSuccess TransactionEventKind = "success"
	// TransactionEventFailure is emitted when a client transaction receives a 300-699 response.
	TransactionEventFailure TransactionEventKind = "failure"
	// TransactionEventTimeout is emitted when a transaction times out.
	TransactionEventTimeout TransactionEventKind = "timeout"
	// TransactionEventTransportError is emitted when the transport fails to send a message.
	TransactionEventTransportError TransactionEventKind = "transport_error"
	// TransactionEventTerminated is emitted when a transaction reaches the terminated state.
	TransactionEventTerminated TransactionEventKind = "terminated"
)

// TransactionEvent is a single event of the transaction event stream.
type TransactionEvent struct {
	// Kind is the event kind.
	Kind TransactionEventKind
	// Transaction is the transaction the event belongs to.
	Transaction Transaction
	// Response carries the response for provisional/success/failure events.
	Response *InboundResponse
	// Err carries the error for timeout/transport_error events.
	Err error
}

// LogValue implements [slog.LogValuer].
func (evt TransactionEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Any("kind", evt.Kind),
		slog.Any("transaction", evt.Transaction),
	}
	if evt.Response != nil {
		attrs = append(attrs, slog.Any("response", evt.Response))
	}
	if evt.Err != nil {
		attrs = append(attrs, slog.Any("error", evt.Err))
	}
	return slog.GroupValue(attrs...)
}

// TransactionEventHandler is called with each transaction event.
type TransactionEventHandler = func(ctx context.Context, evt TransactionEvent)

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// ClientTransactionFactory is the client transaction factory.
	// If nil, [NewClientTransaction] is used.
	ClientTransactionFactory ClientTransactionFactory
	// ClientTransactionStore is the client transaction store.
	// If nil, a [NewMemoryClientTransactionStore] is used.
	ClientTransactionStore ClientTransactionStore
	// ServerTransactionFactory is the server transaction factory.
	// If nil, [NewServerTransaction] is used.
	ServerTransactionFactory ServerTransactionFactory
	// ServerTransactionStore is the server transaction store.
	// If nil, a [NewMemoryServerTransactionStore] is used.
	ServerTransactionStore ServerTransactionStore
	// Timings is the SIP timing config passed to transactions created by the manager.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// LingerTimeout is how long a terminated transaction stays in the store
	// so that late retransmits still match it instead of spawning a new transaction.
	// If 0, [TimeD] is used. If negative, terminated transactions are removed immediately.
	LingerTimeout time.Duration
	// StaleTransactionTimeout is the timeout for stale transactions.
	// Client INVITE transactions in proceeding, server INVITE transactions in proceeding
	// and non-INVITE server transactions in trying/proceeding states after this timeout
	// are considered stale and will be terminated to prevent memory leaks.
	// If 0, 5 minutes is used. If negative, stale transactions are never terminated.
	StaleTransactionTimeout time.Duration
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionManagerOptions) clnTxFactory() ClientTransactionFactory {
	if o == nil || o.ClientTransactionFactory == nil {
		return ClientTransactionFactoryFunc(NewClientTransaction)
	}
	return o.ClientTransactionFactory
}

func (o *TransactionManagerOptions) clnTxStore() ClientTransactionStore {
	if o == nil || o.ClientTransactionStore == nil {
		return NewMemoryClientTransactionStore()
	}
	return o.ClientTransactionStore
}

func (o *TransactionManagerOptions) srvTxFactory() ServerTransactionFactory {
	if o == nil || o.ServerTransactionFactory == nil {
		return ServerTransactionFactoryFunc(NewServerTransaction)
	}
	return o.ServerTransactionFactory
}

func (o *TransactionManagerOptions) srvTxStore() ServerTransactionStore {
	if o == nil || o.ServerTransactionStore == nil {
		return NewMemoryServerTransactionStore()
	}
	return o.ServerTransactionStore
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) lingerTimeout() time.Duration {
	if o == nil || o.LingerTimeout == 0 {
		return TimeD
	}
	return o.LingerTimeout
}

func (o *TransactionManagerOptions) staleTxTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTransactionTimeout
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransactionManager is responsible for matching incoming messages to
// corresponding transactions and creating new transactions.
//
// Terminated transactions linger in the stores for the configured linger
// timeout, so retransmits arriving after termination are absorbed instead of
// creating duplicate transactions.
type TransactionManager struct {
	clnTxsStore    ClientTransactionStore
	clnTxFactory   ClientTransactionFactory
	srvTxsStore    ServerTransactionStore
	srvTxFactory   ServerTransactionFactory
	timings        TimingConfig
	lingerTimeout  time.Duration
	staleTxTimeout time.Duration
	log            *slog.Logger

	onNewClnTx types.CallbackManager[ClientTransactionHandler]
	onNewSrvTx types.CallbackManager[ServerTransactionHandler]
	onEvent    types.CallbackManager[TransactionEventHandler]

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionManager creates a new [TransactionManager].
// Options are optional, if nil, default values are used (see [TransactionManagerOptions]).
func NewTransactionManager(opts *TransactionManagerOptions) *TransactionManager {
	return &TransactionManager{
		clnTxsStore:    opts.clnTxStore(),
		clnTxFactory:   opts.clnTxFactory(),
		srvTxsStore:    opts.srvTxStore(),
		srvTxFactory:   opts.srvTxFactory(),
		timings:        opts.timings(),
		lingerTimeout:  opts.lingerTimeout(),
		staleTxTimeout: opts.staleTxTimeout(),
		log:            opts.log(),
	}
}

// NewClientTransaction creates a client transaction for the request,
// registers it in the store and starts its state machine.
func (txm *TransactionManager) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	if opts == nil {
		opts = &ClientTransactionOptions{Timings: txm.timings, Log: txm.log}
	}

	tx, err := txm.clnTxFactory.NewClientTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err = txm.clnTxsStore.Store(ctx, tx.Key(), tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}

	stateHdlr := txm.clnTxStateHdlr(tx)
	tx.OnStateChanged(stateHdlr)
	tx.OnResponse(func(ctx context.Context, res *InboundResponse) {
		txm.passEvent(ctx, TransactionEvent{
			Kind:        resEventKind(res.Status()),
			Transaction: tx,
			Response:    res,
		})
	})
	tx.OnError(txm.txErrHdlr(tx))

	// the initial send can fail inside the factory, before any handler was
	// registered; replay the terminal transition so the eviction still runs
	if state := tx.State(); state == TransactionStateTerminated {
		stateHdlr(ctx, "", state)
	}

	for fn := range txm.onNewClnTx.All() {
		fn(ctx, tx)
	}
	return tx, nil
}

// NewServerTransaction creates a server transaction for the request,
// registers it in the store and starts its state machine.
func (txm *TransactionManager) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	if opts == nil {
		opts = &ServerTransactionOptions{Timings: txm.timings, Log: txm.log}
	}

	tx, err := txm.srvTxFactory.NewServerTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err = txm.srvTxsStore.Store(ctx, tx.Key(), tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}

	stateHdlr := txm.srvTxStateHdlr(tx)
	tx.OnStateChanged(stateHdlr)
	tx.OnError(txm.txErrHdlr(tx))
	// no transition fires for the initial state, arm the stale timer here;
	// this also replays a terminal transition that happened inside the factory
	stateHdlr(ctx, "", tx.State())

	for fn := range txm.onNewSrvTx.All() {
		fn(ctx, tx)
	}
	return tx, nil
}

// RecvRequest routes an inbound request to the matching server transaction.
//
// [ErrTransactionNotFound] is returned for unmatched non-ACK requests so the
// TU can create a server transaction for them. Unmatched ACK requests are
// dropped silently, a 2xx ACK belongs to the dialog layer.
func (txm *TransactionManager) RecvRequest(ctx context.Context, req *InboundRequest) error {
	tx, err := txm.lookupServerTransaction(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			return errtrace.Wrap(err)
		}
		if req.Method().Equal(RequestMethodAck) {
			txm.log.LogAttrs(ctx, slog.LevelDebug, "drop unmatched ACK", slog.Any("request", req))
			return nil
		}
		if txm.closing.Load() {
			return errtrace.Wrap(ErrTransactionManagerClosed)
		}
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	return errtrace.Wrap(tx.RecvRequest(ctx, req))
}

// RecvResponse routes an inbound response to the matching client transaction.
// Unmatched or stray responses are dropped.
func (txm *TransactionManager) RecvResponse(ctx context.Context, res *InboundResponse) error {
	var key ClientTransactionKey
	if err := key.FillFromMessage(res.Message()); err != nil {
		return errtrace.Wrap(err)
	}

	tx, err := txm.clnTxsStore.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			txm.log.LogAttrs(ctx, slog.LevelDebug, "drop unmatched response", slog.Any("response", res))
			return nil
		}
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.RecvResponse(ctx, res))
}

func (txm *TransactionManager) lookupServerTransaction(
	ctx context.Context,
	req *InboundRequest,
) (ServerTransaction, error) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := txm.srvTxsStore.Load(ctx, key)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, errtrace.Wrap(err)
	}

	// RFC 2543 ACK carries the To tag of the rejecting response, so the key
	// computed from the ACK never equals the stored INVITE key directly.
	if !IsRFC3261Branch(key.Branch) && req.Method().Equal(RequestMethodAck) {
		txs, err := txm.srvTxsStore.All(ctx)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for _, tx := range txs {
			if tx.MatchRequest(req) == nil {
				return tx, nil
			}
		}
	}
	return nil, errtrace.Wrap(ErrTransactionNotFound)
}

// CancelInvite sends a CANCEL for a pending INVITE client transaction.
//
// The CANCEL is sent within its own non-INVITE client transaction on the
// transport of the INVITE transaction as defined in RFC 3261 Section 9.1.
func (txm *TransactionManager) CancelInvite(
	ctx context.Context,
	key ClientTransactionKey,
) (ClientTransaction, error) {
	tx, err := txm.clnTxsStore.Load(ctx, key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tx.Type() != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	switch tx.State() {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return nil, errtrace.Wrap(fmt.Errorf("cancel transaction in state %q: %w", tx.State(), ErrActionNotAllowed))
	}

	tp, ok := getClientTransport(tx)
	if !ok {
		return nil, errtrace.Wrap(fmt.Errorf("transaction %q exposes no transport: %w", key, ErrActionNotAllowed))
	}

	cancel, err := NewCancelRequest(tx.Request().Message())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	out := NewOutboundRequest(cancel)
	out.SetLocalAddr(tx.Request().LocalAddr())
	out.SetRemoteAddr(tx.Request().RemoteAddr())

	return errtrace.Wrap2(txm.NewClientTransaction(ctx, out, tp, nil))
}

func getClientTransport(tx ClientTransaction) (ClientTransport, bool) {
	if v, ok := tx.(interface{ Transport() ClientTransport }); ok {
		return v.Transport(), true
	}
	return nil, false
}

// LoadClientTransaction returns the client transaction stored under the key.
func (txm *TransactionManager) LoadClientTransaction(
	ctx context.Context,
	key ClientTransactionKey,
) (ClientTransaction, error) {
	return errtrace.Wrap2(txm.clnTxsStore.Load(ctx, key))
}

// LoadServerTransaction returns the server transaction stored under the key.
func (txm *TransactionManager) LoadServerTransaction(
	ctx context.Context,
	key ServerTransactionKey,
) (ServerTransaction, error) {
	return errtrace.Wrap2(txm.srvTxsStore.Load(ctx, key))
}

// OnNewClientTransaction binds a callback to be called when a client transaction is created.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnNewClientTransaction(fn ClientTransactionHandler) (unbind func()) {
	return txm.onNewClnTx.Add(fn)
}

// OnNewServerTransaction binds a callback to be called when a server transaction is created.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnNewServerTransaction(fn ServerTransactionHandler) (unbind func()) {
	return txm.onNewSrvTx.Add(fn)
}

// OnEvent binds a callback to the transaction event stream.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnEvent(fn TransactionEventHandler) (unbind func()) {
	return txm.onEvent.Add(fn)
}

func (txm *TransactionManager) passEvent(ctx context.Context, evt TransactionEvent) {
	txm.log.LogAttrs(ctx, slog.LevelDebug, "transaction event", slog.Any("event", evt))

	for fn := range txm.onEvent.All() {
		fn(ctx, evt)
	}
}

func resEventKind(sts ResponseStatus) TransactionEventKind {
	switch {
	case sts.IsProvisional():
		return TransactionEventProvisional
	case sts.IsSuccessful():
		return TransactionEventSuccess
	default:
		return TransactionEventFailure
	}
}

func (txm *TransactionManager) txErrHdlr(tx Transaction) TransactionErrorHandler {
	return func(ctx context.Context, err error) {
		kind := TransactionEventTransportError
		if errors.Is(err, ErrTransactionTimedOut) {
			kind = TransactionEventTimeout
		}
		txm.passEvent(ctx, TransactionEvent{
			Kind:        kind,
			Transaction: tx,
			Err:         err,
		})
	}
}

func (txm *TransactionManager) clnTxStateHdlr(tx ClientTransaction) TransactionStateHandler {
	var staleTmr *time.Timer
	var termOnce sync.Once
	return func(ctx context.Context, _, to TransactionState) {
		if tx.Type() == TransactionTypeClientInvite && txm.staleTxTimeout > 0 {
			if to == TransactionStateProceeding {
				if staleTmr != nil {
					staleTmr.Stop()
				}
				staleTmr = time.AfterFunc(txm.staleTxTimeout, func() {
					tx.Terminate(ctx) //nolint:errcheck
				})
			} else if staleTmr != nil {
				staleTmr.Stop()
			}
		}

		if to == TransactionStateTerminated {
			termOnce.Do(func() {
				txm.passEvent(ctx, TransactionEvent{Kind: TransactionEventTerminated, Transaction: tx})
				txm.evictLater(ctx, func(ctx context.Context) error {
					return errtrace.Wrap(txm.clnTxsStore.Delete(ctx, tx.Key()))
				})
			})
		}
	}
}

func (txm *TransactionManager) srvTxStateHdlr(tx ServerTransaction) TransactionStateHandler {
	var staleTmr *time.Timer
	var termOnce sync.Once
	return func(ctx context.Context, _, to TransactionState) {
		if (to == TransactionStateTrying || to == TransactionStateProceeding) && txm.staleTxTimeout > 0 {
			if staleTmr != nil {
				staleTmr.Stop()
			}
			staleTmr = time.AfterFunc(txm.staleTxTimeout, func() {
				tx.Terminate(ctx) //nolint:errcheck
			})
		} else if staleTmr != nil {
			staleTmr.Stop()
		}

		if to == TransactionStateTerminated {
			termOnce.Do(func() {
				txm.passEvent(ctx, TransactionEvent{Kind: TransactionEventTerminated, Transaction: tx})
				txm.evictLater(ctx, func(ctx context.Context) error {
					return errtrace.Wrap(txm.srvTxsStore.Delete(ctx, tx.Key()))
				})
			})
		}
	}
}

// evictLater schedules removal of a terminated transaction from its store.
// The linger window lets retransmits that arrive after termination match the
// dead transaction and be absorbed by its FSM.
func (txm *TransactionManager) evictLater(ctx context.Context, del func(ctx context.Context) error) {
	evict := func() {
		if err := del(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			txm.log.LogAttrs(ctx, slog.LevelError,
				"failed to delete transaction from store",
				slog.Any("error", err),
			)
		}
	}

	if txm.lingerTimeout < 0 || txm.closing.Load() {
		evict()
		return
	}
	time.AfterFunc(txm.lingerTimeout, evict)
}

// Close terminates all transactions and releases the stores.
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.closeOnce.Do(func() {
		txm.closing.Store(true)
		txm.closeErr = txm.close(ctx)
	})
	return errtrace.Wrap(txm.closeErr)
}

func (txm *TransactionManager) close(ctx context.Context) error {
	if txm.closed.Load() {
		return nil
	}

	var errs []error
	if txs, err := txm.clnTxsStore.All(ctx); err == nil {
		for key, tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate client transaction %q: %w", key, err))
			}
			if err := txm.clnTxsStore.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
				errs = append(errs, fmt.Errorf("delete client transaction %q: %w", key, err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load client transactions: %w", err))
	}

	if txs, err := txm.srvTxsStore.All(ctx); err == nil {
		for key, tx := range txs {
			if err := tx.Terminate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate server transaction %q: %w", key, err))
			}
			if err := txm.srvTxsStore.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
				errs = append(errs, fmt.Errorf("delete server transaction %q: %w", key, err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("load server transactions: %w", err))
	}

	txm.closed.Store(true)

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction manager:", errs...))
}

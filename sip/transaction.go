package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/rtckit/siptx/internal/types"
)

// TransactionState is a state of the transaction state machine.
type TransactionState string

// Transaction states defined in RFC 3261 Section 17 and RFC 6026.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType identifies one of the four transaction state machines.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client-invite"
	TransactionTypeClientNonInvite TransactionType = "client-non-invite"
	TransactionTypeServerInvite    TransactionType = "server-invite"
	TransactionTypeServerNonInvite TransactionType = "server-non-invite"
)

// Transaction is the common surface of all four transaction kinds.
type Transaction interface {
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction context. The transaction can be
	// retrieved back from it with [TransactionFromContext].
	Context() context.Context
	// Terminate forces the transaction into the terminated state.
	// It is idempotent.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnError registers a callback to be called when the transaction fails
	// with a timeout or transport error.
	OnError(fn TransactionErrorHandler) (cancel func())
}

// TransactionStateHandler is called on each transaction state transition.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// TransactionErrorHandler is called when a transaction times out or hits a
// transport error.
type TransactionErrorHandler = func(ctx context.Context, err error)

// RequestHandler is called with an inbound request delivered by a transaction.
type RequestHandler = func(ctx context.Context, req *InboundRequest)

const transactCtxKey types.ContextKey = "transaction"

// ContextWithTransaction returns a context carrying the transaction.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactCtxKey, tx)
}

// TransactionFromContext returns the [Transaction] from the given context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactCtxKey).(Transaction)
	return tx, ok
}

// Events shared by all transaction state machines.
const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

type transactImpl interface {
	Transaction
}

// baseTransact holds the parts shared by client and server transactions:
// the state machine, the transaction context and the callback registries.
//
// The state machine is created in queued firing mode, so triggers fired from
// timer goroutines, transport callbacks and the TU are serialized and
// actions never run concurrently for one transaction.
type baseTransact struct {
	ctx  context.Context
	typ  TransactionType
	impl transactImpl
	fsm  *stateless.StateMachine
	log  *slog.Logger

	onState     types.CallbackManager[TransactionStateHandler]
	onErr       types.CallbackManager[TransactionErrorHandler]
	pendingErrs types.Deque[error]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, logger *slog.Logger) *baseTransact {
	return &baseTransact{
		ctx:  ctx,
		typ:  typ,
		impl: impl,
		log:  logger,
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	if start == "" {
		return errtrace.Wrap(NewInvalidArgumentError("invalid start state"))
	}

	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(fmt.Errorf("fire %q in state %q: %w", trigger, state, ErrActionNotAllowed))
	})
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		for fn := range tx.onState.All() {
			fn(ctx, from, to)
		}
	})
	return nil
}

// fireTimer fires a timer trigger from a timer goroutine. A trigger that
// lost the race with a queued transition out of its permitting state is
// dropped as stale.
func (tx *baseTransact) fireTimer(trigger stateless.Trigger) {
	if err := tx.fsm.FireCtx(tx.ctx, trigger); err != nil {
		if errors.Is(err, ErrActionNotAllowed) {
			return
		}
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, tx.State(), err))
	}
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil || tx.fsm == nil {
		return ""
	}
	state, _ := tx.fsm.MustState().(TransactionState)
	return state
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context {
	if tx == nil {
		return context.Background()
	}
	return tx.ctx
}

// Terminate forces the transaction into the terminated state.
// Calling it on an already terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback to be called on each state change.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// OnError registers a callback to be called when the transaction fails with
// a timeout or transport error. Errors raised before the first callback was
// registered are buffered and delivered on registration.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnError(fn TransactionErrorHandler) (cancel func()) {
	cancel = tx.onErr.Add(fn)
	tx.deliverPendingErrs()
	return cancel
}

func (tx *baseTransact) passErr(_ context.Context, err error) {
	tx.pendingErrs.Append(err)
	if tx.onErr.Len() > 0 {
		tx.deliverPendingErrs()
	}
}

func (tx *baseTransact) deliverPendingErrs() {
	errs := tx.pendingErrs.Drain()
	if len(errs) == 0 {
		return
	}

	for fn := range tx.onErr.All() {
		for _, err := range errs {
			fn(tx.ctx, err)
		}
	}
}

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.passErr(ctx, ErrTransactionTimedOut)
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err := args[0].(error) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.passErr(ctx, err)
	return nil
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

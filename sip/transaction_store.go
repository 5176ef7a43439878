package sip

import (
	"context"
	"iter"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/syncutil"
)

// TransactionStore is a registry of live transactions keyed by their
// transaction key. Implementations must be safe for concurrent use.
type TransactionStore[K comparable, T Transaction] interface {
	// Store registers the transaction under the key.
	// It returns [ErrTransactionExists] when the key is already taken.
	Store(ctx context.Context, key K, tx T) error
	// Load returns the transaction registered under the key.
	// It returns [ErrTransactionNotFound] when there is none.
	Load(ctx context.Context, key K) (T, error)
	// Delete removes the transaction registered under the key.
	// It returns [ErrTransactionNotFound] when there is none.
	Delete(ctx context.Context, key K) error
	// All returns an iterator over a snapshot of the stored transactions.
	All(ctx context.Context) (iter.Seq2[K, T], error)
	// Len returns the number of stored transactions.
	Len(ctx context.Context) (int, error)
}

// MemoryTransactionStore is an in-memory [TransactionStore] backed by a
// sharded map.
type MemoryTransactionStore[K comparable, T Transaction] struct {
	txs *syncutil.ShardMap[K, T]
}

// NewMemoryTransactionStore creates an empty in-memory transaction store.
func NewMemoryTransactionStore[K comparable, T Transaction]() *MemoryTransactionStore[K, T] {
	return &MemoryTransactionStore[K, T]{
		txs: syncutil.NewShardMap[K, T](),
	}
}

func (s *MemoryTransactionStore[K, T]) Store(_ context.Context, key K, tx T) error {
	if !s.txs.SetIfAbsent(key, tx) {
		return errtrace.Wrap(ErrTransactionExists)
	}
	return nil
}

func (s *MemoryTransactionStore[K, T]) Load(_ context.Context, key K) (T, error) {
	tx, ok := s.txs.Get(key)
	if !ok {
		var zero T
		return zero, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

func (s *MemoryTransactionStore[K, T]) Delete(_ context.Context, key K) error {
	if _, ok := s.txs.Del(key); !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	return nil
}

func (s *MemoryTransactionStore[K, T]) All(context.Context) (iter.Seq2[K, T], error) {
	items := s.txs.Items()
	return func(yield func(K, T) bool) {
		for key, tx := range items {
			if !yield(key, tx) {
				return
			}
		}
	}, nil
}

func (s *MemoryTransactionStore[K, T]) Len(context.Context) (int, error) {
	return s.txs.Size(), nil
}

// ClientTransactionStore is a [TransactionStore] for client transactions.
type ClientTransactionStore = TransactionStore[ClientTransactionKey, ClientTransaction]

// NewMemoryClientTransactionStore creates an in-memory client transaction store.
func NewMemoryClientTransactionStore() ClientTransactionStore {
	return NewMemoryTransactionStore[ClientTransactionKey, ClientTransaction]()
}

// ServerTransactionStore is a [TransactionStore] for server transactions.
type ServerTransactionStore = TransactionStore[ServerTransactionKey, ServerTransaction]

// NewMemoryServerTransactionStore creates an in-memory server transaction store.
func NewMemoryServerTransactionStore() ServerTransactionStore {
	return NewMemoryTransactionStore[ServerTransactionKey, ServerTransaction]()
}

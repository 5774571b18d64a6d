package memory

import (
	"context"
	"fmt"
	"sync"

	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// Row locks are per-account mutexes; a settlement stages its writes and
// applies them on Commit, so a Rollback leaves no trace.
type MemoryLedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]models.Account
	transactions []models.Transaction
	settledKeys  map[string]bool
	commitErr    error

	rowMuMap map[string]*sync.Mutex
	rowMapMu sync.Mutex
}

// SetCommitErr makes every subsequent Commit fail with err until cleared
// with nil. Used by tests to simulate a store failure at commit time.
func (m *MemoryLedgerStore) SetCommitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:    make(map[string]models.Account),
		settledKeys: make(map[string]bool),
		rowMuMap:    make(map[string]*sync.Mutex),
	}
}

// rowLock returns the mutex standing in for the account's row lock,
// creating it on first use.
func (m *MemoryLedgerStore) rowLock(accountID string) *sync.Mutex {
	m.rowMapMu.Lock()
	defer m.rowMapMu.Unlock()

	if _, exists := m.rowMuMap[accountID]; !exists {
		m.rowMuMap[accountID] = &sync.Mutex{}
	}
	return m.rowMuMap[accountID]
}

func (m *MemoryLedgerStore) Account(ctx context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[id]
	if !exists {
		return models.Account{}, interfaces.ErrAccountNotFound
	}
	return account, nil
}

func (m *MemoryLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *MemoryLedgerStore) TransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Transaction
	for _, tx := range m.transactions {
		if tx.FromAccount == accountID || tx.ToAccount == accountID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *MemoryLedgerStore) Begin(ctx context.Context) (interfaces.SettlementTx, error) {
	return &memoryTx{
		store:    m,
		balances: make(map[string]decimal.Decimal),
	}, nil
}

// memoryTx stages balance updates and transaction inserts until Commit.
// locked tracks which row mutexes are held, in acquisition order.
type memoryTx struct {
	store    *MemoryLedgerStore
	locked   []string
	balances map[string]decimal.Decimal
	inserted []models.Transaction
	done     bool
}

func (t *memoryTx) AccountForUpdate(ctx context.Context, id string) (models.Account, error) {
	t.store.rowLock(id).Lock()
	t.locked = append(t.locked, id)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	account, exists := t.store.accounts[id]
	if !exists {
		return models.Account{}, interfaces.ErrAccountNotFound
	}
	return account, nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	t.balances[accountID] = balance
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, tx models.Transaction) error {
	t.inserted = append(t.inserted, tx)
	return nil
}

func (t *memoryTx) AlreadySettled(ctx context.Context, idempotencyKey string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.settledKeys[idempotencyKey], nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("settlement transaction already finished")
	}
	t.done = true
	defer t.unlockRows()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if err := t.store.commitErr; err != nil {
		return err
	}

	for accountID, balance := range t.balances {
		account := t.store.accounts[accountID]
		account.Balance = balance
		t.store.accounts[accountID] = account
	}
	for _, tx := range t.inserted {
		t.store.transactions = append(t.store.transactions, tx)
		if tx.IdempotencyKey != "" {
			t.store.settledKeys[tx.IdempotencyKey] = true
		}
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.unlockRows()
	return nil
}

// unlockRows releases row mutexes in reverse acquisition order.
func (t *memoryTx) unlockRows() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.store.rowLock(t.locked[i]).Unlock()
	}
	t.locked = nil
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore.
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)

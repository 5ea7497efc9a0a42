package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// MemoryLedger keeps transfers in process. Fail, when set, is consulted
// before every transfer and its error returned instead.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]bool
	calls   int

	Fail func(op string, t domain.LedgerTransfer) error
}

// NewMemoryLedger creates in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]bool)}
}

// RecordBonusConversionTransfer moves bonus value to the user's wallet
func (l *MemoryLedger) RecordBonusConversionTransfer(_ context.Context, t domain.LedgerTransfer) error {
	return l.record(OpConversion, t)
}

// RecordBonusForfeitTransfer moves bonus value to the house
func (l *MemoryLedger) RecordBonusForfeitTransfer(_ context.Context, t domain.LedgerTransfer) error {
	return l.record(OpForfeit, t)
}

// Calls returns the number of transfer attempts, including failed ones
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Entries returns a copy of the recorded entries
func (l *MemoryLedger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Balance sums credits minus debits of account in minor units
func (l *MemoryLedger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var balance int64
	for _, e := range l.entries {
		if e.Account != account {
			continue
		}
		if e.EntryType == EntryCredit {
			balance += e.Amount
		} else {
			balance -= e.Amount
		}
	}
	return balance
}

func (l *MemoryLedger) record(op string, t domain.LedgerTransfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.Fail != nil {
		if err := l.Fail(op, t); err != nil {
			return err
		}
	}

	entries, err := buildTransfer(op, t, time.Now().UTC())
	if err != nil {
		return err
	}
	key := entries[0].IdempotencyKey
	if l.keys[key] {
		return nil
	}
	l.keys[key] = true
	l.entries = append(l.entries, entries...)
	return nil
}

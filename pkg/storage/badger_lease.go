package storage

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// AcquireLease takes the per-tenant scheduler lease for ttl. It returns
// false when another live holder owns it. Leases are badger TTL entries,
// so a crashed holder's lease simply expires.
func (e *BadgerEngine) AcquireLease(tenantID, holder string, ttl time.Duration) (bool, error) {
	if err := e.ensureOpen(); err != nil {
		return false, err
	}
	if holder == "" || ttl <= 0 {
		return false, fmt.Errorf("%w: lease requires holder and positive ttl", ErrInvalidData)
	}

	acquired := false
	err := e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(tenantID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// Free, take it below.
		case err != nil:
			return err
		default:
			var current string
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return err
			}
			if current != holder {
				return nil // someone else holds a live lease
			}
			// Re-acquire extends our own lease.
		}
		entry := badger.NewEntry(leaseKey(tenantID), []byte(holder)).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease drops the lease if holder still owns it. Releasing a lease
// held by someone else is a no-op, not an error.
func (e *BadgerEngine) ReleaseLease(tenantID, holder string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(tenantID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current string
		if err := item.Value(func(val []byte) error {
			current = string(val)
			return nil
		}); err != nil {
			return err
		}
		if current != holder {
			return nil
		}
		return txn.Delete(leaseKey(tenantID))
	})
}

package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// AppendEvent writes an audit event. Events are write-only from the
// engine's perspective; operators read them out of band.
func (e *BadgerEngine) AppendEvent(evt *Event) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if evt == nil || evt.TenantID == "" || evt.Type == "" {
		return fmt.Errorf("%w: event requires tenant and type", ErrInvalidData)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	data, err := encodeRow(evt)
	if err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(evt.TenantID, evt.CreatedAt, evt.ID), data)
	})
}

// NodeVersionAt returns the snapshot written when the node moved past the
// given version. Used for rollback-style historical reads.
func (e *BadgerEngine) NodeVersionAt(tenantID string, id NodeID, version int64) (*NodeVersion, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var nv NodeVersion
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(tenantID, id, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("node %s version %d: %w", id, version, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeRow(val, &nv)
		})
	})
	if err != nil {
		return nil, err
	}
	return &nv, nil
}

// ListNodeVersions returns all snapshots for the node, oldest first.
func (e *BadgerEngine) ListNodeVersions(tenantID string, id NodeID) ([]*NodeVersion, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var versions []*NodeVersion
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = versionPrefix(tenantID, id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var nv NodeVersion
			err := it.Item().Value(func(val []byte) error {
				return decodeRow(val, &nv)
			})
			if err != nil {
				return err
			}
			versions = append(versions, &nv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// DriftTrend returns drift samples from the embedding history in the time
// window [since, until], oldest first, capped at limit. History keys are
// time-ordered so the scan can seek directly to the window start.
func (e *BadgerEngine) DriftTrend(tenantID string, since, until time.Time, limit int) ([]DriftPoint, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	if until.IsZero() {
		until = time.Now().UTC()
	}

	start := historyKey(tenantID, since, "")
	var points []DriftPoint
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix(tenantID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid() && len(points) < limit; it.Next() {
			var h EmbeddingHistory
			err := it.Item().Value(func(val []byte) error {
				return decodeRow(val, &h)
			})
			if err != nil {
				return err
			}
			if h.CreatedAt.After(until) {
				break
			}
			points = append(points, DriftPoint{NodeID: h.NodeID, DriftScore: h.DriftScore, At: h.CreatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// PutPattern creates or replaces a named trigger pattern.
func (e *BadgerEngine) PutPattern(p *Pattern) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if p == nil || p.TenantID == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: pattern requires tenant and name", ErrInvalidData)
	}
	if len(p.Embedding) == 0 {
		return fmt.Errorf("%w: pattern %q has no embedding", ErrInvalidData, p.Name)
	}
	if err := e.checkDimensions(p.Embedding); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := encodeRow(p)
	if err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(patternKey(p.TenantID, p.Name), data)
	})
}

// GetPattern returns the named pattern or ErrNotFound.
func (e *BadgerEngine) GetPattern(tenantID, name string) (*Pattern, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var p Pattern
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(tenantID, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("pattern %q: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeRow(val, &p)
		})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPatterns returns the tenant's patterns sorted by name.
func (e *BadgerEngine) ListPatterns(tenantID string) ([]*Pattern, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var patterns []*Pattern
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = patternPrefix(tenantID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p Pattern
			err := it.Item().Value(func(val []byte) error {
				return decodeRow(val, &p)
			})
			if err != nil {
				return err
			}
			patterns = append(patterns, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Name < patterns[j].Name })
	return patterns, nil
}

// Tenants lists every tenant that has ever held a node.
func (e *BadgerEngine) Tenants() ([]string, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	e.mu.RUnlock()

	var tenants []string
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTenant)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			tenants = append(tenants, string(key[len(prefixTenant):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

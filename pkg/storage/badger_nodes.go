package storage

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// CreateNode persists a new node and registers its tenant. The node gets
// Version 1 and EmbeddingStatus queued unless already set. Returns
// ErrAlreadyExists when the id is taken.
func (e *BadgerEngine) CreateNode(node *Node) (NodeID, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	if node == nil || node.TenantID == "" {
		return "", fmt.Errorf("%w: node and tenant required", ErrInvalidData)
	}
	if node.ID == "" {
		node.ID = NodeID(uuid.NewString())
	}
	if node.Version == 0 {
		node.Version = 1
	}
	if node.EmbeddingStatus == "" {
		node.EmbeddingStatus = EmbeddingQueued
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	if err := e.checkDimensions(node.Embedding); err != nil {
		return "", err
	}

	key := nodeKey(node.TenantID, node.ID)
	data, err := encodeRow(node)
	if err != nil {
		return "", err
	}

	err = e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(tenantKey(node.TenantID), []byte{1})
	})
	if err != nil {
		return "", err
	}

	e.indexNode(node)
	return node.ID, nil
}

// GetNode returns a deep copy of the stored node.
func (e *BadgerEngine) GetNode(tenantID string, id NodeID) (*Node, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var node *Node
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeTxn(txn, tenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func getNodeTxn(txn *badger.Txn, tenantID string, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(tenantID, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var node Node
	if err := item.Value(func(val []byte) error {
		return decodeRow(val, &node)
	}); err != nil {
		return nil, err
	}
	return &node, nil
}

// DeleteNode removes the node row and its forced-due marker. Version
// snapshots and history rows are append-only audit state and survive the
// node.
func (e *BadgerEngine) DeleteNode(tenantID string, id NodeID) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		if _, err := getNodeTxn(txn, tenantID, id); err != nil {
			return err
		}
		if err := txn.Delete(nodeKey(tenantID, id)); err != nil {
			return err
		}
		return txn.Delete(forcedDueKey(tenantID, id))
	})
	if err != nil {
		return err
	}
	e.unindexNode(tenantID, id)
	return nil
}

// StreamNodes calls fn with a copy of every node in the tenant.
func (e *BadgerEngine) StreamNodes(tenantID string, fn func(*Node) error) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodePrefix(tenantID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var node Node
			err := it.Item().Value(func(val []byte) error {
				return decodeRow(val, &node)
			})
			if err != nil {
				return err
			}
			if err := fn(&node); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitRefresh applies the atomic refresh commit: the new node row, its
// pre-update snapshot, the embedding history row, and the forced-due
// clear, all in one transaction guarded by ExpectedVersion.
func (e *BadgerEngine) CommitRefresh(commit *RefreshCommit) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if commit == nil || commit.Node == nil || commit.Snapshot == nil {
		return fmt.Errorf("%w: commit requires node and snapshot", ErrInvalidData)
	}
	node := commit.Node
	if node.Version != commit.ExpectedVersion+1 {
		return fmt.Errorf("%w: commit version %d is not expected %d + 1",
			ErrInvalidData, node.Version, commit.ExpectedVersion)
	}
	if err := e.checkDimensions(node.Embedding); err != nil {
		return err
	}

	nodeData, err := encodeRow(node)
	if err != nil {
		return err
	}
	snapData, err := encodeRow(commit.Snapshot)
	if err != nil {
		return err
	}

	err = e.db.Update(func(txn *badger.Txn) error {
		current, err := getNodeTxn(txn, node.TenantID, node.ID)
		if err != nil {
			return err
		}
		if current.Version != commit.ExpectedVersion {
			return fmt.Errorf("node %s: stored version %d, expected %d: %w",
				node.ID, current.Version, commit.ExpectedVersion, ErrConflict)
		}
		if err := txn.Set(nodeKey(node.TenantID, node.ID), nodeData); err != nil {
			return err
		}
		// Snapshot is keyed by the version it belonged to.
		if err := txn.Set(versionKey(node.TenantID, node.ID, commit.ExpectedVersion), snapData); err != nil {
			return err
		}
		if commit.History != nil {
			h := commit.History
			if h.ID == "" {
				h.ID = uuid.NewString()
			}
			if h.CreatedAt.IsZero() {
				h.CreatedAt = time.Now().UTC()
			}
			histData, err := encodeRow(h)
			if err != nil {
				return err
			}
			if err := txn.Set(historyKey(node.TenantID, h.CreatedAt, h.ID), histData); err != nil {
				return err
			}
		}
		return txn.Delete(forcedDueKey(node.TenantID, node.ID))
	})
	if err != nil {
		return err
	}

	e.indexNode(node)
	return nil
}

// UpdateNodeContent applies an ingestion-side content change under the
// same version discipline as CommitRefresh: a snapshot of the pre-update
// state is written and the version increments. Engine-owned fields are
// carried over from the stored node, not taken from the caller.
func (e *BadgerEngine) UpdateNodeContent(node *Node, expectedVersion int64) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if node == nil || node.TenantID == "" || node.ID == "" {
		return fmt.Errorf("%w: node, tenant and id required", ErrInvalidData)
	}

	var updated *Node
	err := e.db.Update(func(txn *badger.Txn) error {
		current, err := getNodeTxn(txn, node.TenantID, node.ID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("node %s: stored version %d, expected %d: %w",
				node.ID, current.Version, expectedVersion, ErrConflict)
		}

		snap := &NodeVersion{
			NodeID:    current.ID,
			TenantID:  current.TenantID,
			Version:   current.Version,
			Snapshot:  current.Copy(),
			CreatedAt: time.Now().UTC(),
		}
		snapData, err := encodeRow(snap)
		if err != nil {
			return err
		}

		next := current.Copy()
		next.Classes = node.Classes
		next.Props = node.Props
		next.PayloadRef = node.PayloadRef
		if node.RefreshPolicy != nil {
			next.RefreshPolicy = node.RefreshPolicy
		}
		if node.Triggers != nil {
			next.Triggers = node.Triggers
		}
		next.Version = expectedVersion + 1
		next.UpdatedAt = time.Now().UTC()

		nodeData, err := encodeRow(next)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(next.TenantID, next.ID, expectedVersion), snapData); err != nil {
			return err
		}
		if err := txn.Set(nodeKey(next.TenantID, next.ID), nodeData); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return err
	}

	e.indexNode(updated)
	return nil
}

// UpdateNodeMeta applies fn to the stored node inside the write
// transaction and persists the result without a version bump. Only for
// engine-owned bookkeeping (status, attempts, gated skips, forced-due).
func (e *BadgerEngine) UpdateNodeMeta(tenantID string, id NodeID, fn func(*Node) error) (*Node, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var updated *Node
	err := e.db.Update(func(txn *badger.Txn) error {
		current, err := getNodeTxn(txn, tenantID, id)
		if err != nil {
			return err
		}
		version := current.Version
		if err := fn(current); err != nil {
			return err
		}
		current.Version = version // meta updates never move the version
		current.UpdatedAt = time.Now().UTC()

		data, err := encodeRow(current)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(tenantID, id), data); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.indexNode(updated)
	return updated.Copy(), nil
}

// MarkForcedDue flags the node for refresh at the next scheduler pass and
// records why. Idempotent: re-marking only refreshes the cause.
func (e *BadgerEngine) MarkForcedDue(tenantID string, id NodeID, cause ForcedDueCause) error {
	if cause.At.IsZero() {
		cause.At = time.Now().UTC()
	}
	_, err := e.UpdateNodeMeta(tenantID, id, func(n *Node) error {
		n.ForcedDue = true
		c := cause
		n.ForcedDueCause = &c
		return nil
	})
	if err != nil {
		return err
	}
	data, err := encodeRow(&cause)
	if err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(forcedDueKey(tenantID, id), data)
	})
}

// ListForcedDue returns the ids currently marked forced-due, in key order.
func (e *BadgerEngine) ListForcedDue(tenantID string) ([]NodeID, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixForcedDue + tenantID + ":")
	var ids []NodeID
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, NodeID(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

package storage

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// CreateEdge persists a directed relation. The (src, rel, dst) triple is
// unique per tenant; both endpoints must exist. A reverse index row is
// written alongside so Dependents is a prefix scan, not a full edge scan.
func (e *BadgerEngine) CreateEdge(edge *Edge) (EdgeID, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	if edge == nil || edge.TenantID == "" || edge.Src == "" || edge.Dst == "" || edge.Rel == "" {
		return "", fmt.Errorf("%w: edge requires tenant, src, rel, dst", ErrInvalidData)
	}
	if edge.ID == "" {
		edge.ID = EdgeID(uuid.NewString())
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	data, err := encodeRow(edge)
	if err != nil {
		return "", err
	}
	tripleKey := edgeTripleKey(edge.TenantID, edge.Src, edge.Rel, edge.Dst)

	err = e.db.Update(func(txn *badger.Txn) error {
		if _, err := getNodeTxn(txn, edge.TenantID, edge.Src); err != nil {
			return fmt.Errorf("edge src: %w", err)
		}
		if _, err := getNodeTxn(txn, edge.TenantID, edge.Dst); err != nil {
			return fmt.Errorf("edge dst: %w", err)
		}
		if _, err := txn.Get(tripleKey); err == nil {
			return fmt.Errorf("edge (%s)-[%s]->(%s): %w", edge.Src, edge.Rel, edge.Dst, ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(edgeKey(edge.TenantID, edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(tripleKey, []byte(edge.ID)); err != nil {
			return err
		}
		return txn.Set(edgeRevKey(edge.TenantID, edge.Rel, edge.Dst, edge.Src), []byte(edge.ID))
	})
	if err != nil {
		return "", err
	}
	return edge.ID, nil
}

// GetEdge returns the stored edge.
func (e *BadgerEngine) GetEdge(tenantID string, id EdgeID) (*Edge, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var edge Edge
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(tenantID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("edge %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeRow(val, &edge)
		})
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

// Dependents returns the src ids of all (src, rel, dst) edges, i.e. the
// nodes pointing at dst via rel. For RelDerivedFrom these are the nodes
// whose content was produced from dst.
func (e *BadgerEngine) Dependents(tenantID string, rel string, dst NodeID) ([]NodeID, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := edgeRevPrefix(tenantID, rel, dst)
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

package storage

import (
	"fmt"
	"time"
)

// Key schema. Every key is tenant-scoped so tenants can be iterated and
// deleted by prefix:
//
//	n:<tenant>:<nodeID>                 node row
//	v:<tenant>:<nodeID>:<version>       NodeVersion snapshot (version zero-padded)
//	h:<tenant>:<unixNano>:<uuid>        EmbeddingHistory row (time-ordered)
//	e:<tenant>:<edgeID>                 edge row
//	et:<tenant>:<src>|<rel>|<dst>       edge triple uniqueness index -> edgeID
//	er:<tenant>:<rel>|<dst>|<src>       edge reverse index (dependents lookup)
//	ev:<tenant>:<unixNano>:<uuid>       event row
//	p:<tenant>:<name>                   pattern row
//	fd:<tenant>:<nodeID>                forced-due index -> ForcedDueCause
//	lease:<tenant>                      scheduler lease (badger TTL entry)
//	t:<tenant>                          tenant registry marker
const (
	prefixNode       = "n:"
	prefixVersion    = "v:"
	prefixHistory    = "h:"
	prefixEdge       = "e:"
	prefixEdgeTriple = "et:"
	prefixEdgeRev    = "er:"
	prefixEvent      = "ev:"
	prefixPattern    = "p:"
	prefixForcedDue  = "fd:"
	prefixLease      = "lease:"
	prefixTenant     = "t:"
)

func nodeKey(tenantID string, id NodeID) []byte {
	return []byte(prefixNode + tenantID + ":" + string(id))
}

func nodePrefix(tenantID string) []byte {
	return []byte(prefixNode + tenantID + ":")
}

func versionKey(tenantID string, id NodeID, version int64) []byte {
	// Zero-padded so lexicographic order == numeric order.
	return []byte(fmt.Sprintf("%s%s:%s:%012d", prefixVersion, tenantID, id, version))
}

func versionPrefix(tenantID string, id NodeID) []byte {
	return []byte(prefixVersion + tenantID + ":" + string(id) + ":")
}

func historyKey(tenantID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixHistory, tenantID, at.UnixNano(), id))
}

func historyPrefix(tenantID string) []byte {
	return []byte(prefixHistory + tenantID + ":")
}

func edgeKey(tenantID string, id EdgeID) []byte {
	return []byte(prefixEdge + tenantID + ":" + string(id))
}

func edgeTripleKey(tenantID string, src NodeID, rel string, dst NodeID) []byte {
	return []byte(prefixEdgeTriple + tenantID + ":" + string(src) + "|" + rel + "|" + string(dst))
}

func edgeRevKey(tenantID string, rel string, dst, src NodeID) []byte {
	return []byte(prefixEdgeRev + tenantID + ":" + rel + "|" + string(dst) + "|" + string(src))
}

func edgeRevPrefix(tenantID string, rel string, dst NodeID) []byte {
	return []byte(prefixEdgeRev + tenantID + ":" + rel + "|" + string(dst) + "|")
}

func eventKey(tenantID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixEvent, tenantID, at.UnixNano(), id))
}

func patternKey(tenantID, name string) []byte {
	return []byte(prefixPattern + tenantID + ":" + name)
}

func patternPrefix(tenantID string) []byte {
	return []byte(prefixPattern + tenantID + ":")
}

func forcedDueKey(tenantID string, id NodeID) []byte {
	return []byte(prefixForcedDue + tenantID + ":" + string(id))
}

func leaseKey(tenantID string) []byte {
	return []byte(prefixLease + tenantID)
}

func tenantKey(tenantID string) []byte {
	return []byte(prefixTenant + tenantID)
}

package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// CanonicalText renders a node's embeddable content deterministically:
// sorted classes on one line, then sorted property key/value lines. The
// same logical content always hashes and embeds identically regardless
// of map iteration order.
func CanonicalText(n *Node) string {
	var sb strings.Builder

	if len(n.Classes) > 0 {
		classes := make([]string, len(n.Classes))
		copy(classes, n.Classes)
		sort.Strings(classes)
		sb.WriteString("classes: ")
		sb.WriteString(strings.Join(classes, ", "))
	}

	if len(n.Props) > 0 {
		keys := make([]string, 0, len(n.Props))
		for k := range n.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(stringifyProp(n.Props[k]))
		}
	}

	if sb.Len() == 0 {
		return "node"
	}
	return sb.String()
}

// ContentHash fingerprints canonical text for no-op refresh detection.
func ContentHash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func stringifyProp(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", val)
	case []string:
		return strings.Join(val, ", ")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringifyProp(item)
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

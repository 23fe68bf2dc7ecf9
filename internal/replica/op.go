package replica

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the edit operations a replica understands.
type OperationType string

const (
	// OperationTypeInsert inserts text after an existing element.
	OperationTypeInsert OperationType = "insert"
	// OperationTypeDelete tombstones previously inserted elements.
	OperationTypeDelete OperationType = "delete"
)

// ErrCorruptOperation indicates that an operation payload is malformed and
// has been discarded without mutating the replica.
var ErrCorruptOperation = errors.New("replica: corrupt operation")

const maxOriginLength = 190

// ElementID identifies one inserted element. Seq is a Lamport timestamp and
// Origin breaks ties between concurrent inserts, so ordering two ids is
// deterministic on every replica.
type ElementID struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
}

// IsZero reports whether the id is the sentinel head-of-document id.
func (id ElementID) IsZero() bool {
	return id.Origin == "" && id.Seq == 0
}

// Compare orders ids by (Seq, Origin). It returns -1, 0 or 1.
func (id ElementID) Compare(other ElementID) int {
	if id.Seq != other.Seq {
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	}
	return strings.Compare(id.Origin, other.Origin)
}

// Operation is one causally tagged edit exchanged between replicas. Insert
// operations carry the text and the id of the element they follow; delete
// operations carry the ids of the elements they remove. The operation id
// doubles as the id of the first inserted element.
type Operation struct {
	ID      ElementID     `json:"id"`
	Type    OperationType `json:"type"`
	Value   string        `json:"value,omitempty"`
	Left    ElementID     `json:"left,omitempty"`
	Targets []ElementID   `json:"targets,omitempty"`
}

// Validate rejects operations that can never be integrated. The replica
// drops invalid operations instead of failing the session.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.ID.Origin) == "" {
		return fmt.Errorf("%w: empty origin", ErrCorruptOperation)
	}
	if len(op.ID.Origin) > maxOriginLength {
		return fmt.Errorf("%w: origin exceeds %d characters", ErrCorruptOperation, maxOriginLength)
	}
	if op.ID.Seq == 0 {
		return fmt.Errorf("%w: zero sequence", ErrCorruptOperation)
	}
	switch op.Type {
	case OperationTypeInsert:
		if op.Value == "" {
			return fmt.Errorf("%w: insert without value", ErrCorruptOperation)
		}
		if len(op.Targets) != 0 {
			return fmt.Errorf("%w: insert carries delete targets", ErrCorruptOperation)
		}
	case OperationTypeDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete without targets", ErrCorruptOperation)
		}
		for _, target := range op.Targets {
			if target.IsZero() {
				return fmt.Errorf("%w: delete targets head sentinel", ErrCorruptOperation)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrCorruptOperation, string(op.Type))
	}
	return nil
}

// maxSeq returns the highest Lamport timestamp the operation advances to.
func (op Operation) maxSeq() uint64 {
	if op.Type == OperationTypeInsert {
		return op.ID.Seq + uint64(len([]rune(op.Value))) - 1
	}
	return op.ID.Seq
}

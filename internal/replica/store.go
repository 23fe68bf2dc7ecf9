package replica

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingOrigin = errors.New("replica: origin is required")
	// ErrEmptyEdit indicates a local edit that would not change the document.
	ErrEmptyEdit = errors.New("replica: empty edit")
)

// StoreConfig describes the inputs required to build a Store.
type StoreConfig struct {
	Origin string
	Logger *zap.Logger
}

// Store holds one replica of a room's document. Operations integrate
// commutatively and idempotently: any two stores that applied the same set
// of operations hold identical content regardless of arrival order or
// duplicate delivery.
//
// Elements are kept in a flat sequence with tombstones. An insert is placed
// after the element it names, skipping over concurrent siblings with a
// greater id, which yields the deterministic total order. Operations whose
// referenced elements have not arrived yet are parked until the dependency
// integrates.
type Store struct {
	mu       sync.Mutex
	origin   string
	clock    uint64
	elements []element
	present  map[ElementID]int
	applied  map[ElementID]struct{}
	pending  map[ElementID][]Operation
	log      []Operation
	logger   *zap.Logger
}

type element struct {
	id      ElementID
	value   rune
	deleted bool
}

// NewStore constructs a Store producing operations tagged with the given origin.
func NewStore(cfg StoreConfig) (*Store, error) {
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		return nil, errMissingOrigin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		origin:  origin,
		present: make(map[ElementID]int),
		applied: make(map[ElementID]struct{}),
		pending: make(map[ElementID][]Operation),
		logger:  logger,
	}, nil
}

// Origin returns the origin id stamped onto locally generated operations.
func (s *Store) Origin() string {
	return s.origin
}

// Apply integrates a remote operation and returns the resulting content.
// Replayed operations are no-ops. Malformed operations are dropped with
// ErrCorruptOperation; the store remains usable afterwards.
func (s *Store) Apply(op Operation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked(op); err != nil {
		s.logger.Warn("replica dropped corrupt operation",
			zap.String("origin", op.ID.Origin),
			zap.Error(err))
		return s.contentLocked(), err
	}
	return s.contentLocked(), nil
}

// Content returns the current merged document text.
func (s *Store) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLocked()
}

// OperationsSince returns the integrated operations after the given log
// cursor, oldest first. A cursor of zero returns the full log.
func (s *Store) OperationsSince(cursor int) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(s.log) {
		return nil
	}
	ops := make([]Operation, len(s.log)-cursor)
	copy(ops, s.log[cursor:])
	return ops
}

// LogLength returns the number of integrated operations.
func (s *Store) LogLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Insert generates, integrates and returns an insert operation placing text
// at the given visible position. The position is clamped to the document.
func (s *Store) Insert(position int, text string) (Operation, error) {
	if text == "" {
		return Operation{}, fmt.Errorf("%w: no text to insert", ErrEmptyEdit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := s.visibleLocked()
	if position < 0 {
		position = 0
	}
	if position > len(visible) {
		position = len(visible)
	}
	left := ElementID{}
	if position > 0 {
		left = visible[position-1]
	}

	op := Operation{
		ID:    ElementID{Origin: s.origin, Seq: s.clock + 1},
		Type:  OperationTypeInsert,
		Value: text,
		Left:  left,
	}
	if err := s.applyLocked(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Delete generates, integrates and returns a delete operation removing up to
// count visible characters starting at the given position.
func (s *Store) Delete(position, count int) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := s.visibleLocked()
	if position < 0 {
		position = 0
	}
	if position >= len(visible) || count <= 0 {
		return Operation{}, fmt.Errorf("%w: nothing to delete", ErrEmptyEdit)
	}
	end := position + count
	if end > len(visible) {
		end = len(visible)
	}
	targets := make([]ElementID, 0, end-position)
	targets = append(targets, visible[position:end]...)

	op := Operation{
		ID:      ElementID{Origin: s.origin, Seq: s.clock + 1},
		Type:    OperationTypeDelete,
		Targets: targets,
	}
	if err := s.applyLocked(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (s *Store) applyLocked(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if _, seen := s.applied[op.ID]; seen {
		return nil
	}

	if missing, ok := s.missingDependencyLocked(op); ok {
		s.pending[missing] = append(s.pending[missing], op)
		return nil
	}

	var inserted []ElementID
	switch op.Type {
	case OperationTypeInsert:
		inserted = s.integrateInsertLocked(op)
	case OperationTypeDelete:
		for _, target := range op.Targets {
			if index, ok := s.present[target]; ok {
				s.elements[index].deleted = true
			}
		}
	}

	if maxSeq := op.maxSeq(); maxSeq > s.clock {
		s.clock = maxSeq
	}
	s.applied[op.ID] = struct{}{}
	s.log = append(s.log, op)

	for _, id := range inserted {
		parked := s.pending[id]
		if len(parked) == 0 {
			continue
		}
		delete(s.pending, id)
		for _, waiting := range parked {
			if err := s.applyLocked(waiting); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) missingDependencyLocked(op Operation) (ElementID, bool) {
	if op.Type == OperationTypeInsert {
		if op.Left.IsZero() {
			return ElementID{}, false
		}
		if _, ok := s.present[op.Left]; !ok {
			return op.Left, true
		}
		return ElementID{}, false
	}
	for _, target := range op.Targets {
		if _, ok := s.present[target]; !ok {
			return target, true
		}
	}
	return ElementID{}, false
}

func (s *Store) integrateInsertLocked(op Operation) []ElementID {
	index := 0
	if !op.Left.IsZero() {
		index = s.present[op.Left] + 1
	}
	// Concurrent inserts after the same left element order by descending id,
	// so every replica lands on the same placement.
	for index < len(s.elements) && s.elements[index].id.Compare(op.ID) > 0 {
		index++
	}

	runes := []rune(op.Value)
	block := make([]element, len(runes))
	ids := make([]ElementID, len(runes))
	for offset, r := range runes {
		id := ElementID{Origin: op.ID.Origin, Seq: op.ID.Seq + uint64(offset)}
		block[offset] = element{id: id, value: r}
		ids[offset] = id
	}

	s.elements = append(s.elements, block...)
	copy(s.elements[index+len(block):], s.elements[index:len(s.elements)-len(block)])
	copy(s.elements[index:], block)

	for position := index; position < len(s.elements); position++ {
		s.present[s.elements[position].id] = position
	}
	return ids
}

func (s *Store) visibleLocked() []ElementID {
	visible := make([]ElementID, 0, len(s.elements))
	for _, el := range s.elements {
		if !el.deleted {
			visible = append(visible, el.id)
		}
	}
	return visible
}

func (s *Store) contentLocked() string {
	var builder strings.Builder
	for _, el := range s.elements {
		if !el.deleted {
			builder.WriteRune(el.value)
		}
	}
	return builder.String()
}

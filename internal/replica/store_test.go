package replica

import (
	"errors"
	"testing"
)

func mustStore(t *testing.T, origin string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Origin: origin})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustInsert(t *testing.T, store *Store, position int, text string) Operation {
	t.Helper()
	op, err := store.Insert(position, text)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return op
}

func mustDelete(t *testing.T, store *Store, position, count int) Operation {
	t.Helper()
	op, err := store.Delete(position, count)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	return op
}

func mustApply(t *testing.T, store *Store, op Operation) string {
	t.Helper()
	content, err := store.Apply(op)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return content
}

func TestLocalEditsBuildContent(t *testing.T) {
	store := mustStore(t, "writer")

	mustInsert(t, store, 0, "Hello")
	mustInsert(t, store, 5, " world")
	if store.Content() != "Hello world" {
		t.Fatalf("unexpected content: %q", store.Content())
	}

	mustDelete(t, store, 0, 6)
	if store.Content() != "world" {
		t.Fatalf("unexpected content after delete: %q", store.Content())
	}

	mustInsert(t, store, 0, "small ")
	if store.Content() != "small world" {
		t.Fatalf("unexpected content after reinsert: %q", store.Content())
	}
}

func TestEmptyEditsRejected(t *testing.T) {
	store := mustStore(t, "writer")

	if _, err := store.Insert(0, ""); !errors.Is(err, ErrEmptyEdit) {
		t.Fatalf("expected ErrEmptyEdit for empty insert, got %v", err)
	}
	if _, err := store.Delete(0, 1); !errors.Is(err, ErrEmptyEdit) {
		t.Fatalf("expected ErrEmptyEdit for delete on empty document, got %v", err)
	}
}

func TestConcurrentEndInsertsConverge(t *testing.T) {
	nadia := mustStore(t, "nadia")
	amara := mustStore(t, "amara")

	seed := mustInsert(t, nadia, 0, "Hello")
	mustApply(t, amara, seed)

	worldOp := mustInsert(t, nadia, 5, " world")
	bangOp := mustInsert(t, amara, 5, "!")

	mustApply(t, nadia, bangOp)
	mustApply(t, amara, worldOp)

	if nadia.Content() != amara.Content() {
		t.Fatalf("replicas diverged: %q vs %q", nadia.Content(), amara.Content())
	}
	if nadia.Content() != "Hello world!" {
		t.Fatalf("unexpected converged content: %q", nadia.Content())
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	source := mustStore(t, "source")
	mirror := mustStore(t, "mirror")

	first := mustInsert(t, source, 0, "abc")
	second := mustInsert(t, source, 3, "def")
	deletion := mustDelete(t, source, 0, 1)

	for round := 0; round < 3; round++ {
		mustApply(t, mirror, first)
		mustApply(t, mirror, second)
		mustApply(t, mirror, deletion)
	}

	if mirror.Content() != source.Content() {
		t.Fatalf("replicas diverged: %q vs %q", mirror.Content(), source.Content())
	}
	if mirror.LogLength() != 3 {
		t.Fatalf("expected 3 logged operations, got %d", mirror.LogLength())
	}
}

func TestOutOfOrderDeliveryParksUntilDependency(t *testing.T) {
	source := mustStore(t, "source")
	first := mustInsert(t, source, 0, "Hello")
	second := mustInsert(t, source, 5, " world")

	mirror := mustStore(t, "mirror")
	if content := mustApply(t, mirror, second); content != "" {
		t.Fatalf("dependent operation applied before its dependency: %q", content)
	}
	if content := mustApply(t, mirror, first); content != "Hello world" {
		t.Fatalf("parked operation did not drain: %q", content)
	}
}

func TestDeleteParksUntilTargetArrives(t *testing.T) {
	source := mustStore(t, "source")
	insert := mustInsert(t, source, 0, "abc")
	deletion := mustDelete(t, source, 1, 1)

	mirror := mustStore(t, "mirror")
	mustApply(t, mirror, deletion)
	mustApply(t, mirror, insert)

	if mirror.Content() != "ac" {
		t.Fatalf("unexpected content: %q", mirror.Content())
	}
}

func TestAnyDeliveryOrderConverges(t *testing.T) {
	alpha := mustStore(t, "alpha")
	beta := mustStore(t, "beta")

	seed := mustInsert(t, alpha, 0, "base")
	mustApply(t, beta, seed)

	ops := []Operation{
		seed,
		mustInsert(t, alpha, 4, " one"),
		mustInsert(t, beta, 4, " two"),
		mustDelete(t, beta, 0, 2),
	}

	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2, 1, 3},
	}

	var reference string
	for index, order := range orders {
		mirror := mustStore(t, "mirror")
		for _, position := range order {
			if _, err := mirror.Apply(ops[position]); err != nil {
				t.Fatalf("order %d: apply failed: %v", index, err)
			}
		}
		if index == 0 {
			reference = mirror.Content()
			continue
		}
		if mirror.Content() != reference {
			t.Fatalf("order %d diverged: %q vs %q", index, mirror.Content(), reference)
		}
	}
}

func TestCorruptOperationsDropped(t *testing.T) {
	store := mustStore(t, "writer")
	mustInsert(t, store, 0, "keep")

	corrupt := []Operation{
		{ID: ElementID{Origin: "", Seq: 1}, Type: OperationTypeInsert, Value: "x"},
		{ID: ElementID{Origin: "peer", Seq: 0}, Type: OperationTypeInsert, Value: "x"},
		{ID: ElementID{Origin: "peer", Seq: 1}, Type: OperationTypeInsert},
		{ID: ElementID{Origin: "peer", Seq: 1}, Type: OperationTypeDelete},
		{ID: ElementID{Origin: "peer", Seq: 1}, Type: OperationType("upsert"), Value: "x"},
	}
	for index, op := range corrupt {
		if _, err := store.Apply(op); !errors.Is(err, ErrCorruptOperation) {
			t.Fatalf("case %d: expected ErrCorruptOperation, got %v", index, err)
		}
	}

	if store.Content() != "keep" {
		t.Fatalf("corrupt operations mutated the store: %q", store.Content())
	}
	mustInsert(t, store, 4, " going")
	if store.Content() != "keep going" {
		t.Fatalf("store unusable after corrupt operations: %q", store.Content())
	}
}

func TestOperationsSinceCursor(t *testing.T) {
	store := mustStore(t, "writer")
	mustInsert(t, store, 0, "a")
	mustInsert(t, store, 1, "b")
	mustInsert(t, store, 2, "c")

	if got := len(store.OperationsSince(0)); got != 3 {
		t.Fatalf("expected full log, got %d operations", got)
	}
	tail := store.OperationsSince(2)
	if len(tail) != 1 || tail[0].Value != "c" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	if store.OperationsSince(3) != nil {
		t.Fatalf("expected empty tail at head cursor")
	}
	if store.OperationsSince(99) != nil {
		t.Fatalf("expected empty tail past head cursor")
	}
}

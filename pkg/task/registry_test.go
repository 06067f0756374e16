package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
)

func TestFakeRegistry_CreateAndGet(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	userID := uuid.New()

	created, err := r.Create(ctx, userID, TypeGenerate, []byte(`{"logo_description":"a fox"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusPending {
		t.Errorf("Status = %v, want pending", created.Status)
	}

	got, err := r.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Get returned wrong task")
	}
}

func TestFakeRegistry_Get_NotFound(t *testing.T) {
	r := NewFakeRegistry()
	_, err := r.Get(context.Background(), uuid.New())
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("KindOf(err) = %v, want not_found", apperr.KindOf(err))
	}
}

func TestFakeRegistry_TransitionLifecycle(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	userID := uuid.New()

	created, _ := r.Create(ctx, userID, TypeGenerate, nil)

	processing, err := r.Transition(ctx, created.ID, StatusPending, StatusProcessing, TransitionPatch{})
	if err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	if processing.Status != StatusProcessing {
		t.Errorf("Status = %v, want processing", processing.Status)
	}

	resultID := uuid.New()
	done, err := r.Complete(ctx, created.ID, resultID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("Status = %v, want completed", done.Status)
	}
	if done.ResultID == nil || *done.ResultID != resultID {
		t.Errorf("ResultID = %v, want %v", done.ResultID, resultID)
	}
}

func TestFakeRegistry_Transition_WrongFromStatusConflicts(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	created, _ := r.Create(ctx, uuid.New(), TypeGenerate, nil)

	_, err := r.Transition(ctx, created.ID, StatusProcessing, StatusCompleted, TransitionPatch{})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("KindOf(err) = %v, want conflict", apperr.KindOf(err))
	}
}

func TestFakeRegistry_Transition_ConcurrentRaceOnlyOneWins(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	created, _ := r.Create(ctx, uuid.New(), TypeGenerate, nil)
	_, _ = r.Transition(ctx, created.ID, StatusPending, StatusProcessing, TransitionPatch{})

	type result struct {
		ok bool
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Complete(ctx, created.ID, uuid.New())
			results <- result{ok: err == nil}
		}()
	}

	wins := 0
	for i := 0; i < 2; i++ {
		res := <-results
		if res.ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestFakeRegistry_Cancel(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	created, _ := r.Create(ctx, uuid.New(), TypeGenerate, nil)

	cancelled, err := r.Cancel(ctx, created.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", cancelled.Status)
	}
	if cancelled.ErrorMessage == nil {
		t.Errorf("ErrorMessage not set")
	}

	_, err = r.Cancel(ctx, created.ID)
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("cancelling terminal task: KindOf(err) = %v, want conflict", apperr.KindOf(err))
	}
}

func TestFakeRegistry_HasActive(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	userID := uuid.New()

	active, err := r.HasActive(ctx, userID, TypeGenerate)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if active {
		t.Fatalf("HasActive = true before any task created")
	}

	created, _ := r.Create(ctx, userID, TypeGenerate, nil)

	active, err = r.HasActive(ctx, userID, TypeGenerate)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if !active {
		t.Errorf("HasActive = false, want true while task is pending")
	}

	_, _ = r.Fail(ctx, created.ID, StatusPending, "boom")

	active, err = r.HasActive(ctx, userID, TypeGenerate)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	if active {
		t.Errorf("HasActive = true after task reached terminal status")
	}
}

func TestFakeRegistry_ListByUser_FiltersAndLimits(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	userID := uuid.New()
	other := uuid.New()

	for i := 0; i < 3; i++ {
		_, _ = r.Create(ctx, userID, TypeGenerate, nil)
	}
	_, _ = r.Create(ctx, userID, TypeRefine, nil)
	_, _ = r.Create(ctx, other, TypeGenerate, nil)

	all, err := r.ListByUser(ctx, userID, ListFilters{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}

	onlyGenerate, err := r.ListByUser(ctx, userID, ListFilters{Type: TypeGenerate})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(onlyGenerate) != 3 {
		t.Errorf("len(onlyGenerate) = %d, want 3", len(onlyGenerate))
	}

	limited, err := r.ListByUser(ctx, userID, ListFilters{Limit: 2})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestFakeRegistry_ReapStale(t *testing.T) {
	r := NewFakeRegistry()
	ctx := context.Background()
	userID := uuid.New()

	stale, _ := r.Create(ctx, userID, TypeGenerate, nil)
	r.mu.Lock()
	t2 := r.tasks[stale.ID]
	t2.Status = StatusProcessing
	t2.UpdatedAt = time.Now().Add(-time.Hour)
	r.tasks[stale.ID] = t2
	r.mu.Unlock()

	fresh, _ := r.Create(ctx, userID, TypeGenerate, nil)
	_, _ = r.Transition(ctx, fresh.ID, StatusPending, StatusProcessing, TransitionPatch{})

	ids, err := r.ReapStale(ctx, StatusProcessing, "updated_at", 30*time.Minute, "stalled")
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Errorf("ids = %v, want [%v]", ids, stale.ID)
	}

	got, _ := r.Get(ctx, stale.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}

	stillProcessing, _ := r.Get(ctx, fresh.ID)
	if stillProcessing.Status != StatusProcessing {
		t.Errorf("fresh task Status = %v, want still processing", stillProcessing.Status)
	}
}

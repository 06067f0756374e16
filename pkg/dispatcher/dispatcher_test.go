package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/pkg/bus"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
	"github.com/palettelab/conceptforge/pkg/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerate_HappyPath(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)

	userID := uuid.New()
	tk, err := d.Generate(context.Background(), userID, GenerateRequest{
		LogoDescription:  "A minimalist fox",
		ThemeDescription: "forest green and cream",
		NumPalettes:      3,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", tk.Status)
	}

	snap, _ := limiter.Snapshot(context.Background(), userID)
	if snap[ratecounter.CategoryGenerateConcept].Remaining != ratecounter.DefaultLimits[ratecounter.CategoryGenerateConcept].Count-1 {
		t.Errorf("rate limit not decremented: %+v", snap[ratecounter.CategoryGenerateConcept])
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	limiter.DenyAll = true
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)
	userID := uuid.New()

	_, err := d.Generate(context.Background(), userID, GenerateRequest{
		LogoDescription:  "A fox",
		ThemeDescription: "green",
	})
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindRateLimited {
		t.Fatalf("expected RateLimited error, got %v", err)
	}

	list, _ := tasks.ListByUser(context.Background(), userID, task.ListFilters{})
	if len(list) != 0 {
		t.Errorf("expected no task row created on rate limit rejection")
	}
}

func TestGenerate_RateCounterFailsOpen(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	limiter.Err = errors.New("redis down")
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)

	_, err := d.Generate(context.Background(), uuid.New(), GenerateRequest{
		LogoDescription:  "A fox",
		ThemeDescription: "green",
	})
	if err != nil {
		t.Fatalf("expected fail-open to allow the request, got %v", err)
	}
}

func TestGenerate_RejectsSecondActiveTask(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)
	userID := uuid.New()

	req := GenerateRequest{LogoDescription: "A fox", ThemeDescription: "green"}
	if _, err := d.Generate(context.Background(), userID, req); err != nil {
		t.Fatalf("first Generate: %v", err)
	}

	_, err := d.Generate(context.Background(), userID, req)
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindConflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
}

func TestGenerate_ValidatesInput(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)

	cases := []GenerateRequest{
		{LogoDescription: "", ThemeDescription: "green"},
		{LogoDescription: "fox", ThemeDescription: ""},
		{LogoDescription: "fox", ThemeDescription: "green", NumPalettes: 11},
	}
	for _, req := range cases {
		_, err := d.Generate(context.Background(), uuid.New(), req)
		appErr, ok := apperr.As(err)
		if !ok || appErr.Kind != apperr.KindValidation {
			t.Errorf("request %+v: expected Validation error, got %v", req, err)
		}
	}
}

func TestGenerate_ConcurrentDispatchRaceLeavesAtMostOneNonTerminal(t *testing.T) {
	// Property S3: concurrent enqueue attempts for the same user must never
	// leave more than one non-terminal task row.
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)
	userID := uuid.New()
	req := GenerateRequest{LogoDescription: "A fox", ThemeDescription: "green"}

	const n = 10
	var wg sync.WaitGroup
	successes := make(chan task.Task, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if tk, err := d.Generate(context.Background(), userID, req); err == nil {
				successes <- tk
			}
		}()
	}
	wg.Wait()
	close(successes)

	active, err := tasks.HasActive(context.Background(), userID, task.TypeGenerate)
	if err != nil {
		t.Fatalf("HasActive: %v", err)
	}
	count := 0
	for range successes {
		count++
	}
	if count == 0 {
		t.Fatal("expected at least one successful enqueue")
	}
	if !active {
		t.Fatal("expected the active task to still be observable")
	}
}

func TestRefine_RequiresSourceOrURL(t *testing.T) {
	tasks := task.NewFakeRegistry()
	limiter := ratecounter.NewFakeGateway(ratecounter.DefaultLimits)
	publisher := bus.NewFakeBus()
	d := New(tasks, limiter, publisher, testLogger(), 7)

	_, err := d.Refine(context.Background(), uuid.New(), RefineRequest{RefinementPrompt: "make it bluer"})
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.KindValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

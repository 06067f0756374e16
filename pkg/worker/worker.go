// Package worker implements the Worker (C7): the bus consumer that executes
// the generate/refine workflow state machine and is the only caller of the
// Task Registry's conditional transition besides the Reaper.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/pkg/blobstore"
	"github.com/palettelab/conceptforge/pkg/bus"
	"github.com/palettelab/conceptforge/pkg/concept"
	"github.com/palettelab/conceptforge/pkg/imageprovider"
	"github.com/palettelab/conceptforge/pkg/task"
)

// Worker consumes bus deliveries and runs the generation/refinement
// workflow described in spec §4.7.
type Worker struct {
	tasks      task.Registrar
	concepts   concept.Registrar
	blobs      blobstore.Gateway
	provider   imageprovider.Provider
	httpClient *http.Client
	logger     *slog.Logger

	parallelism   int
	invocationCap time.Duration
}

// Config tunes a Worker.
type Config struct {
	Parallelism   int           // bounded concurrency for the per-palette stage (default 3)
	InvocationCap time.Duration // hard wall-clock budget per message (default 15m)
}

// New creates a Worker.
func New(tasks task.Registrar, concepts concept.Registrar, blobs blobstore.Gateway, provider imageprovider.Provider, logger *slog.Logger, cfg Config) *Worker {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 3
	}
	invocationCap := cfg.InvocationCap
	if invocationCap <= 0 {
		invocationCap = 15 * time.Minute
	}
	return &Worker{
		tasks:         tasks,
		concepts:      concepts,
		blobs:         blobs,
		provider:      provider,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		parallelism:   parallelism,
		invocationCap: invocationCap,
	}
}

// Run consumes deliveries from c until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, c bus.Consumer) error {
	return c.Run(ctx, w.Handle)
}

// Handle implements bus.Handler: the on_message state machine from spec
// §4.7. A nil return acks the delivery; a non-nil return leaves it unacked
// for redelivery.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) error {
	invocationCtx, cancel := context.WithTimeout(ctx, w.invocationCap)
	defer cancel()

	t, err := w.tasks.Transition(invocationCtx, d.Message.TaskID, task.StatusPending, task.StatusProcessing, task.TransitionPatch{})
	if err != nil {
		current, getErr := w.tasks.Get(invocationCtx, d.Message.TaskID)
		if getErr != nil {
			w.logger.Error("worker: task vanished after failed claim", "task_id", d.Message.TaskID, "error", getErr)
			return nil // nothing we can do with this delivery; drop it
		}
		if current.Status.IsTerminal() {
			w.logger.Info("worker: duplicate delivery for already-terminal task, acking", "task_id", d.Message.TaskID, "status", current.Status)
			return nil
		}
		// Someone else (another worker, or a still-running earlier attempt)
		// currently owns this task. Let the bus redeliver later.
		w.logger.Debug("worker: lost the claim race, will redeliver", "task_id", d.Message.TaskID)
		return fmt.Errorf("task %s not claimable: %w", d.Message.TaskID, err)
	}

	resultID, workErr := w.runWorkflow(invocationCtx, t)
	if workErr == nil {
		if _, err := w.tasks.Complete(invocationCtx, t.ID, resultID); err != nil {
			w.logger.Error("worker: completing task after successful workflow", "task_id", t.ID, "error", err)
		}
		return nil
	}

	if apperr.KindOf(workErr) == apperr.KindTransient {
		w.logger.Warn("worker: transient failure, leaving processing for redelivery", "task_id", t.ID, "attempt", d.Attempt, "error", workErr)
		return workErr
	}

	if current, err := w.tasks.Get(invocationCtx, t.ID); err == nil && current.Status.IsTerminal() {
		// Already terminal (e.g. cancelled mid-run): nothing left to do.
		return nil
	}

	brief := briefMessage(workErr)
	if errors.Is(workErr, errCancelled) {
		brief = "cancelled"
	}
	if _, err := w.tasks.Fail(invocationCtx, t.ID, task.StatusProcessing, brief); err != nil {
		w.logger.Error("worker: failing task after permanent workflow error", "task_id", t.ID, "error", err)
	}
	return nil
}

// briefMessage truncates an error to the <=200 char, stack-trace-free
// message stored on the Task row; full detail stays in the worker's logs.
func briefMessage(err error) string {
	msg := err.Error()
	const maxLen = 200
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// runWorkflow re-reads the task's own row (the bus message is duplicative)
// and dispatches to the generate or refine workflow.
func (w *Worker) runWorkflow(ctx context.Context, t task.Task) (uuid.UUID, error) {
	fresh, err := w.tasks.Get(ctx, t.ID)
	if err != nil {
		return uuid.Nil, apperr.Internal(fmt.Errorf("re-reading task: %w", err))
	}

	switch fresh.Type {
	case task.TypeGenerate:
		return w.runGenerate(ctx, fresh)
	case task.TypeRefine:
		return w.runRefine(ctx, fresh)
	default:
		return uuid.Nil, apperr.Permanent(fmt.Errorf("unknown task type %q", fresh.Type))
	}
}

// errCancelled sentinel lets Handle recognize a cancellation-triggered
// permanent failure and record the exact error_message "cancelled" the
// spec requires, instead of the generic truncated error text.
var errCancelled = errors.New("cancelled")

// checkCancelled re-reads the task row between workflow stages. Cancel sets
// is_cancelled=true on a processing task rather than touching its status,
// since the Worker (not the API) owns the actual processing->failed
// transition: an in-flight AI call can't be interrupted, only the next
// checkpoint can notice and stop spending further API calls. A task that
// left "processing" behind the Worker's back (e.g. reaped as stale) is
// reported the same way, since either way the Worker no longer owns it.
func (w *Worker) checkCancelled(ctx context.Context, taskID uuid.UUID) error {
	current, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("checking cancellation: %w", err))
	}
	if current.IsCancelled {
		return apperr.Permanent(errCancelled)
	}
	if current.Status != task.StatusProcessing {
		return apperr.Permanent(fmt.Errorf("task no longer processing (status=%s), stopping work", current.Status))
	}
	return nil
}

// paletteResult is the outcome of one palette's sub-generation in the
// parallel stage.
type paletteResult struct {
	palette imageprovider.Palette
	path    string
	err     error
}

// runGenerate implements the generate workflow (spec §4.7).
func (w *Worker) runGenerate(ctx context.Context, t task.Task) (uuid.UUID, error) {
	var meta task.GenerateMetadata
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return uuid.Nil, apperr.Permanent(fmt.Errorf("parsing generate metadata: %w", err))
	}

	if err := w.checkCancelled(ctx, t.ID); err != nil {
		return uuid.Nil, err
	}

	named, err := w.provider.GeneratePalettes(ctx, meta.LogoDescription, meta.ThemeDescription, meta.NumPalettes-1)
	if err != nil {
		return uuid.Nil, err
	}
	palettes := append([]imageprovider.Palette{{Name: "Original"}}, named...)

	if err := w.checkCancelled(ctx, t.ID); err != nil {
		return uuid.Nil, err
	}

	results := w.generateVariationsParallel(ctx, meta, palettes)

	var successes []paletteResult
	var failures []map[string]any
	for _, r := range results {
		if r.err != nil {
			w.logger.Warn("worker: sub-generation failed", "task_id", t.ID, "palette", r.palette.Name, "error", r.err)
			failures = append(failures, map[string]any{"palette": r.palette.Name, "error": r.err.Error()})
			continue
		}
		successes = append(successes, r)
	}

	if len(successes) == 0 {
		return uuid.Nil, apperr.Permanent(fmt.Errorf("all %d palette sub-generations failed", len(palettes)))
	}

	baseImagePath := successes[0].path
	variations := make([]concept.NewVariation, 0, len(successes))
	for _, r := range successes {
		colors := r.palette.Colors
		if len(colors) == 0 {
			colors = placeholderColors()
		}
		variations = append(variations, concept.NewVariation{
			PaletteName: r.palette.Name,
			Colors:      colors,
			ImagePath:   r.path,
		})
	}

	c, err := w.concepts.CreateWithVariations(ctx, t.UserID, meta.LogoDescription, meta.ThemeDescription, baseImagePath, variations)
	if err != nil {
		w.cleanupBlobsBestEffort(ctx, pathsOf(successes))
		return uuid.Nil, apperr.Internal(fmt.Errorf("persisting concept: %w", err))
	}

	if len(failures) > 0 {
		w.recordPartialFailures(ctx, t.ID, failures)
	}

	return c.ID, nil
}

// generateVariationsParallel runs one sub-generation per palette with a
// concurrency bound, per spec §4.7 step 2 ("in parallel with a concurrency
// bound of 3").
func (w *Worker) generateVariationsParallel(ctx context.Context, meta task.GenerateMetadata, palettes []imageprovider.Palette) []paletteResult {
	results := make([]paletteResult, len(palettes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)

	for i, p := range palettes {
		i, p := i, p
		g.Go(func() error {
			results[i] = w.generateOneVariation(gctx, meta, p)
			return nil // errors are captured per-result, not propagated to the group
		})
	}
	_ = g.Wait()

	return results
}

func (w *Worker) generateOneVariation(ctx context.Context, meta task.GenerateMetadata, p imageprovider.Palette) paletteResult {
	var paletteArg *imageprovider.Palette
	if p.Name != "Original" {
		paletteArg = &p
	}

	imgBytes, err := w.provider.GenerateImage(ctx, meta.LogoDescription, meta.ThemeDescription, paletteArg)
	if err != nil {
		return paletteResult{palette: p, err: err}
	}

	path := blobstore.PalettePrefix + uuid.New().String() + ".png"
	if err := w.blobs.Put(ctx, path, imgBytes, "image/png"); err != nil {
		return paletteResult{palette: p, err: apperr.Transient(fmt.Errorf("uploading variation image: %w", err))}
	}

	return paletteResult{palette: p, path: path}
}

func pathsOf(results []paletteResult) []string {
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.path
	}
	return paths
}

func placeholderColors() []string {
	return []string{"#000000", "#333333", "#666666", "#999999", "#ffffff"}
}

func (w *Worker) cleanupBlobsBestEffort(ctx context.Context, paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.blobs.Delete(ctx, p); err != nil {
			w.logger.Warn("worker: best-effort blob cleanup failed", "path", p, "error", err)
		}
	}
}

// recordPartialFailures merges the S5 partial-failure record into the
// task's existing metadata (rather than replacing it, which would drop the
// original descriptions). Best-effort: a failure here does not fail the
// (already successful) task.
func (w *Worker) recordPartialFailures(ctx context.Context, taskID uuid.UUID, failures []map[string]any) {
	current, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		w.logger.Warn("worker: re-reading task to record partial_failures", "task_id", taskID, "error", err)
		return
	}

	var merged map[string]any
	if err := json.Unmarshal(current.Metadata, &merged); err != nil {
		w.logger.Warn("worker: parsing existing metadata to record partial_failures", "task_id", taskID, "error", err)
		return
	}
	merged["partial_failures"] = failures

	raw, err := json.Marshal(merged)
	if err != nil {
		w.logger.Error("worker: marshaling partial_failures", "task_id", taskID, "error", err)
		return
	}
	if _, err := w.tasks.Transition(ctx, taskID, task.StatusProcessing, task.StatusProcessing, task.TransitionPatch{Metadata: raw}); err != nil {
		w.logger.Warn("worker: recording partial_failures", "task_id", taskID, "error", err)
	}
}

// runRefine implements the refine workflow (spec §4.7).
func (w *Worker) runRefine(ctx context.Context, t task.Task) (uuid.UUID, error) {
	var meta task.RefineMetadata
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return uuid.Nil, apperr.Permanent(fmt.Errorf("parsing refine metadata: %w", err))
	}

	if err := w.checkCancelled(ctx, t.ID); err != nil {
		return uuid.Nil, err
	}

	baseBytes, logoDesc, themeDesc, err := w.loadRefineSource(ctx, t.UserID, meta)
	if err != nil {
		return uuid.Nil, err
	}

	if err := w.checkCancelled(ctx, t.ID); err != nil {
		return uuid.Nil, err
	}

	refined, err := w.provider.Refine(ctx, baseBytes, meta.RefinementPrompt, meta.PreserveAspects, meta.UpdatedLogoDescription, meta.UpdatedThemeDescription)
	if err != nil {
		return uuid.Nil, err
	}

	if meta.UpdatedLogoDescription != nil {
		logoDesc = *meta.UpdatedLogoDescription
	}
	if meta.UpdatedThemeDescription != nil {
		themeDesc = *meta.UpdatedThemeDescription
	}

	path := blobstore.ConceptPrefix + uuid.New().String() + ".png"
	if err := w.blobs.Put(ctx, path, refined, "image/png"); err != nil {
		return uuid.Nil, apperr.Transient(fmt.Errorf("uploading refined image: %w", err))
	}

	c, err := w.concepts.CreateWithVariations(ctx, t.UserID, logoDesc, themeDesc, path, []concept.NewVariation{
		{PaletteName: "Refined", Colors: placeholderColors(), ImagePath: path},
	})
	if err != nil {
		w.cleanupBlobsBestEffort(ctx, []string{path})
		return uuid.Nil, apperr.Internal(fmt.Errorf("persisting refined concept: %w", err))
	}
	return c.ID, nil
}

func (w *Worker) loadRefineSource(ctx context.Context, userID uuid.UUID, meta task.RefineMetadata) (data []byte, logoDesc, themeDesc string, err error) {
	if meta.SourceConceptID != nil {
		id, parseErr := uuid.Parse(*meta.SourceConceptID)
		if parseErr != nil {
			return nil, "", "", apperr.Permanent(fmt.Errorf("invalid source concept id: %w", parseErr))
		}
		src, getErr := w.concepts.Get(ctx, userID, id)
		if getErr != nil {
			return nil, "", "", apperr.Permanent(fmt.Errorf("loading source concept: %w", getErr))
		}
		data, err = w.blobs.Get(ctx, src.ImagePath)
		if err != nil {
			return nil, "", "", apperr.Transient(fmt.Errorf("downloading source image: %w", err))
		}
		return data, src.LogoDescription, src.ThemeDescription, nil
	}

	data, err = w.fetchURL(ctx, meta.OriginalImageURL)
	if err != nil {
		return nil, "", "", err
	}
	return data, "", "", nil
}

func (w *Worker) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Permanent(fmt.Errorf("building request for original image: %w", err))
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("fetching original image: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Permanent(fmt.Errorf("fetching original image: HTTP %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("reading original image: %w", err))
	}
	return data, nil
}

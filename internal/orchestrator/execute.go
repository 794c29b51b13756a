package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/progress"
	"github.com/sitekraft/presence/internal/records"
)

// execute runs the task pipeline once, off the request path. All failures
// after admission surface only through the task's terminal state.
func (o *Orchestrator) execute(task ingest.Task, key flightKey) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.TaskBudget)
	defer cancel()

	o.transition(ctx, task.ID, ingest.StatusRunning, stageForKind(task.Kind), 5)

	var (
		result *ingest.TaskResult
		err    error
	)
	switch task.Kind {
	case ingest.KindDomainScrape:
		result, err = o.runDomainScrape(ctx, task)
	case ingest.KindReviewsFetch:
		result, err = o.runFetch(ctx, task, o.cfg.ReviewsActor, ingest.SourceGoogleReviews)
	case ingest.KindInstagramFetch:
		result, err = o.runFetch(ctx, task, o.cfg.InstagramActor, ingest.SourceInstagram)
	default:
		err = ingest.NewError(ingest.KindValidation, "unknown task kind %q", task.Kind)
	}

	now := o.clock.Now()
	if err != nil {
		taskErr := &ingest.TaskError{Kind: ingest.KindOf(err), Message: err.Error()}
		o.complete(task, key, ingest.StatusFailed, nil, taskErr, now)
		return
	}
	o.complete(task, key, ingest.StatusSucceeded, result, nil, now)
}

func (o *Orchestrator) runDomainScrape(ctx context.Context, task ingest.Task) (*ingest.TaskResult, error) {
	if o.renderer == nil {
		return nil, ingest.NewError(ingest.KindInternal, "renderer not configured")
	}
	startURL := ingest.DomainURL(task.Input.Domain)

	o.progress(ctx, task.ID, progress.StageRendering, 15)
	res, err := o.withRetry(ctx, task.ID, func(ctx context.Context) (ingest.ScrapeResult, error) {
		return o.renderer.Render(ctx, startURL, task.Input.Screenshot)
	})
	if err != nil {
		return nil, err
	}

	result := &ingest.TaskResult{
		StylesheetURLs: res.StylesheetURLs,
		Fonts:          res.Fonts,
	}

	if o.discoverer != nil {
		o.progress(ctx, task.ID, progress.StageDiscovering, 45)
		pages, discErr := o.discoverer.Discover(ctx, startURL)
		if discErr != nil {
			// The page graph enriches the draft but its absence does not
			// fail the scrape.
			o.logger.Warn("page discovery failed",
				zap.String("task_id", task.ID),
				zap.Error(discErr),
			)
		} else {
			result.Pages = pages
		}
	}

	o.progress(ctx, task.ID, progress.StageExtracting, 65)
	if o.structurer != nil {
		draft, structErr := o.structurer.Structure(ctx, task.TenantID, res)
		if structErr != nil {
			return nil, fmt.Errorf("structure scrape result: %w", structErr)
		}
		result.DraftID = draft.ID
	}

	o.progress(ctx, task.ID, progress.StagePersisting, 85)
	if err := o.persistArtifacts(ctx, task, res, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) runFetch(
	ctx context.Context,
	task ingest.Task,
	actorName string,
	source ingest.Source,
) (*ingest.TaskResult, error) {
	if o.actors == nil || o.ingester == nil {
		return nil, ingest.NewError(ingest.KindInternal, "actor gateway not configured")
	}

	o.progress(ctx, task.ID, progress.StageFetching, 20)
	input := map[string]any{"startUrls": []map[string]string{{"url": task.Input.SourceURL}}}
	items, err := o.runActorWithRetry(ctx, task.ID, actorName, input)
	if err != nil {
		return nil, err
	}

	var (
		recs    []ingest.Record
		dropped int
	)
	switch source {
	case ingest.SourceGoogleReviews:
		recs, dropped = records.DecodeGoogleReviews(items)
	case ingest.SourceInstagram:
		recs, dropped = records.DecodeInstagramPosts(items)
	default:
		return nil, ingest.NewError(ingest.KindInternal, "unknown source %q", source)
	}
	if dropped > 0 {
		o.logger.Warn("undecodable actor items dropped",
			zap.String("task_id", task.ID),
			zap.Int("dropped", dropped),
		)
	}

	o.progress(ctx, task.ID, progress.StagePersisting, 70)
	summary, err := o.ingester.Ingest(ctx, task.TenantID, recs)
	if err != nil {
		return nil, fmt.Errorf("ingest %s batch: %w", source, err)
	}
	return &ingest.TaskResult{
		ItemsScraped: len(items),
		ItemsSaved:   summary.Saved,
		ItemsSkipped: summary.Skipped,
		ItemsFailed:  len(summary.Failures),
	}, nil
}

// withRetry applies the single bounded retry for transport-level failures.
// Actor-reported and renderer-reported failures are final on first attempt.
func (o *Orchestrator) withRetry(
	ctx context.Context,
	taskID string,
	fn func(ctx context.Context) (ingest.ScrapeResult, error),
) (ingest.ScrapeResult, error) {
	res, err := fn(ctx)
	if err == nil || !ingest.Retryable(err) || ctx.Err() != nil {
		return res, err
	}
	o.logger.Info("retrying after transport failure",
		zap.String("task_id", taskID),
		zap.Error(err),
	)
	return fn(ctx)
}

func (o *Orchestrator) runActorWithRetry(
	ctx context.Context,
	taskID string,
	actorName string,
	input any,
) ([]json.RawMessage, error) {
	items, err := o.actors.Run(ctx, actorName, input, o.cfg.ActorTimeout)
	if err == nil || !ingest.Retryable(err) || ctx.Err() != nil {
		return items, err
	}
	o.logger.Info("retrying actor after transport failure",
		zap.String("task_id", taskID),
		zap.String("actor", actorName),
		zap.Error(err),
	)
	return o.actors.Run(ctx, actorName, input, o.cfg.ActorTimeout)
}

func (o *Orchestrator) persistArtifacts(
	ctx context.Context,
	task ingest.Task,
	res ingest.ScrapeResult,
	result *ingest.TaskResult,
) error {
	if o.blobs == nil || o.hasher == nil {
		return nil
	}
	htmlHash, err := o.hasher.Hash([]byte(res.HTML))
	if err != nil {
		return fmt.Errorf("hash rendered html: %w", err)
	}
	htmlURI, err := o.blobs.PutObject(ctx,
		o.blobPath(task, htmlHash+".html"),
		"text/html; charset=utf-8",
		[]byte(res.HTML),
	)
	if err != nil {
		return fmt.Errorf("store rendered html: %w", err)
	}
	result.HTMLBlobURI = htmlURI

	if res.Screenshot != "" {
		raw, decErr := base64.StdEncoding.DecodeString(res.Screenshot)
		if decErr != nil {
			return fmt.Errorf("decode screenshot: %w", decErr)
		}
		shotURI, putErr := o.blobs.PutObject(ctx,
			o.blobPath(task, htmlHash+".png"),
			"image/png",
			raw,
		)
		if putErr != nil {
			return fmt.Errorf("store screenshot: %w", putErr)
		}
		result.ScreenshotURI = shotURI
	}
	return nil
}

func (o *Orchestrator) blobPath(task ingest.Task, name string) string {
	if o.cfg.BlobPrefix == "" {
		return fmt.Sprintf("%s/%s/%s", task.TenantID, task.ID, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s", o.cfg.BlobPrefix, task.TenantID, task.ID, name)
}

func (o *Orchestrator) transition(ctx context.Context, taskID string, status ingest.TaskStatus, stage string, pct int) {
	if err := o.store.UpdateTaskStatus(ctx, taskID, status, stage, pct); err != nil {
		o.logger.Error("task status update failed",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	o.hub.Emit(progress.Event{
		TaskID:   taskID,
		TS:       o.clock.Now(),
		Stage:    stage,
		Progress: pct,
		Status:   status,
	})
}

func (o *Orchestrator) progress(ctx context.Context, taskID, stage string, pct int) {
	o.transition(ctx, taskID, ingest.StatusRunning, stage, pct)
}

func (o *Orchestrator) complete(
	task ingest.Task,
	key flightKey,
	status ingest.TaskStatus,
	result *ingest.TaskResult,
	taskErr *ingest.TaskError,
	at time.Time,
) {
	// Terminal writes use a fresh context so shutdown does not lose the
	// final state.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The terminal write and the flight-key release happen under the
	// admission lock. A submit that observes the terminal state is admitted
	// as a fresh task instead of being handed the finished one, even while
	// the completion publish below is still in flight.
	o.mu.Lock()
	if err := o.store.CompleteTask(ctx, task.ID, status, result, taskErr); err != nil {
		o.logger.Error("task completion write failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
	delete(o.active, key)
	o.mu.Unlock()

	note := ""
	if taskErr != nil {
		note = taskErr.Message
		o.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("error_kind", string(taskErr.Kind)),
			zap.String("error", taskErr.Message),
		)
	} else {
		o.logger.Info("task succeeded",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
		)
	}
	o.hub.Emit(progress.Event{
		TaskID:   task.ID,
		TS:       at,
		Stage:    progress.StageDone,
		Progress: 100,
		Status:   status,
		Note:     note,
	})

	o.publishCompletion(ctx, task, status, result)
}

func (o *Orchestrator) publishCompletion(
	ctx context.Context,
	task ingest.Task,
	status ingest.TaskStatus,
	result *ingest.TaskResult,
) {
	if o.publisher == nil || o.cfg.CompletionTopic == "" {
		return
	}
	payload := map[string]any{
		"task_id":   task.ID,
		"tenant_id": task.TenantID,
		"kind":      string(task.Kind),
		"status":    string(status),
		"timestamp": o.clock.Now().Format(time.RFC3339),
	}
	if result != nil && result.DraftID != "" {
		payload["draft_id"] = result.DraftID
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, payload); err != nil {
		o.logger.Warn("completion publish failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func stageForKind(kind ingest.TaskKind) string {
	if kind == ingest.KindDomainScrape {
		return progress.StageRendering
	}
	return progress.StageFetching
}

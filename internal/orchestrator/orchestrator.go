// Package orchestrator coordinates ingestion tasks: single-flight admission,
// lifecycle state, pipeline execution, and progress emission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/progress"
)

// Config controls orchestrator behavior.
type Config struct {
	// ActorTimeout bounds one actor gateway call.
	ActorTimeout time.Duration
	// TaskBudget bounds one full task execution.
	TaskBudget time.Duration
	// CompletionTopic, when set with a publisher, receives terminal events.
	CompletionTopic string
	// BlobPrefix prefixes artifact paths in the blob store.
	BlobPrefix string
	// ReviewsActor and InstagramActor name the gateway actors per kind.
	ReviewsActor   string
	InstagramActor string
}

// Orchestrator accepts ingestion requests and drives them to a terminal
// state off the request path. At most one non-terminal task exists per
// (tenant, kind); concurrent submits observe the winner's task ID.
type Orchestrator struct {
	store      ingest.TaskStore
	ingester   Ingester
	renderer   ingest.Renderer
	discoverer ingest.PageDiscoverer
	actors     ingest.ActorClient
	structurer ingest.Structurer
	blobs      ingest.BlobStore
	publisher  ingest.Publisher
	hasher     ingest.Hasher
	hub        *progress.Hub
	clock      ingest.Clock
	idGen      ingest.IDGenerator
	cfg        Config
	logger     *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[flightKey]string
}

// Ingester is the slice of the ingestion layer the orchestrator needs.
type Ingester interface {
	Ingest(ctx context.Context, tenantID string, items []ingest.Record) (ingest.IngestSummary, error)
}

type flightKey struct {
	tenantID string
	kind     ingest.TaskKind
}

// New constructs an Orchestrator. Renderer, discoverer, structurer, blobs,
// and publisher may be nil; the corresponding pipeline steps degrade to
// no-ops (fetch kinds still require the actor client and ingester).
func New(
	store ingest.TaskStore,
	ingester Ingester,
	renderer ingest.Renderer,
	discoverer ingest.PageDiscoverer,
	actors ingest.ActorClient,
	structurer ingest.Structurer,
	blobs ingest.BlobStore,
	publisher ingest.Publisher,
	hasher ingest.Hasher,
	hub *progress.Hub,
	clock ingest.Clock,
	idGen ingest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ActorTimeout <= 0 {
		cfg.ActorTimeout = 300 * time.Second
	}
	if cfg.TaskBudget <= 0 {
		cfg.TaskBudget = 10 * time.Minute
	}
	if cfg.ReviewsActor == "" {
		cfg.ReviewsActor = "google-reviews"
	}
	if cfg.InstagramActor == "" {
		cfg.InstagramActor = "instagram-posts"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		ingester:   ingester,
		renderer:   renderer,
		discoverer: discoverer,
		actors:     actors,
		structurer: structurer,
		blobs:      blobs,
		publisher:  publisher,
		hasher:     hasher,
		hub:        hub,
		clock:      clock,
		idGen:      idGen,
		cfg:        cfg,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
		active:     make(map[flightKey]string),
	}
}

// Submit records a queued task and schedules its execution, returning
// immediately. If a non-terminal task already exists for (tenant, kind) the
// existing task ID is returned instead of creating a duplicate.
func (o *Orchestrator) Submit(
	ctx context.Context,
	tenantID string,
	kind ingest.TaskKind,
	input ingest.TaskInput,
) (string, error) {
	key := flightKey{tenantID: tenantID, kind: kind}

	o.mu.Lock()
	defer o.mu.Unlock()

	if taskID, ok := o.active[key]; ok {
		return taskID, nil
	}
	// The in-memory index is authoritative within this process; the store
	// check covers tasks left behind by a previous run.
	if existing, err := o.store.FindActiveTask(ctx, tenantID, kind); err == nil {
		o.active[key] = existing.ID
		return existing.ID, nil
	} else if !errors.Is(err, ingest.ErrNotFound) {
		return "", fmt.Errorf("find active task: %w", err)
	}

	taskID, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := o.clock.Now()
	task := ingest.Task{
		ID:        taskID,
		TenantID:  tenantID,
		Kind:      kind,
		Status:    ingest.StatusQueued,
		Input:     input,
		Stage:     progress.StageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, ingest.ErrTaskInFlight) {
			if existing, findErr := o.store.FindActiveTask(ctx, tenantID, kind); findErr == nil {
				o.active[key] = existing.ID
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("create task: %w", err)
	}
	o.active[key] = taskID

	o.hub.Emit(progress.Event{
		TaskID: taskID,
		TS:     now,
		Stage:  progress.StageQueued,
		Status: ingest.StatusQueued,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(task, key)
	}()
	return taskID, nil
}

// Get returns a point-in-time task snapshot.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (ingest.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// List returns a tenant's recent tasks, newest first.
func (o *Orchestrator) List(ctx context.Context, tenantID string, limit, offset int) ([]ingest.Task, error) {
	return o.store.ListTasks(ctx, tenantID, limit, offset)
}

// Subscribe returns the task's progress stream. The terminal status is the
// last event delivered, after which the channel closes.
func (o *Orchestrator) Subscribe(taskID string) (<-chan progress.Event, func()) {
	return o.hub.Subscribe(taskID)
}

// Await blocks until the task reaches a terminal state or the context ends,
// returning the final snapshot. It backs the synchronous reviews facade.
func (o *Orchestrator) Await(ctx context.Context, taskID string) (ingest.Task, error) {
	events, cancel := o.hub.Subscribe(taskID)
	defer cancel()

	// Re-check after subscribing so a completion between Get and Subscribe
	// is not missed.
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return ingest.Task{}, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ingest.Task{}, fmt.Errorf("await task %s: %w", taskID, ctx.Err())
		case evt, ok := <-events:
			if ok && !evt.Terminal() {
				continue
			}
			return o.store.GetTask(ctx, taskID)
		}
	}
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator close wait: %w", ctx.Err())
	}
}

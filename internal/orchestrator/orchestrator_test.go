package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekraft/presence/internal/clock/system"
	"github.com/sitekraft/presence/internal/hash/sha256"
	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/progress"
	pubmemory "github.com/sitekraft/presence/internal/publisher/memory"
	"github.com/sitekraft/presence/internal/records"
	"github.com/sitekraft/presence/internal/storage/memory"
)

type fakeRenderer struct {
	mu      sync.Mutex
	calls   int
	results []renderOutcome
	gate    chan struct{}
}

type renderOutcome struct {
	res ingest.ScrapeResult
	err error
}

func (f *fakeRenderer) Render(ctx context.Context, _ string, _ bool) (ingest.ScrapeResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ingest.ScrapeResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	out := f.results[idx]
	return out.res, out.err
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeActor struct {
	mu       sync.Mutex
	calls    int
	outcomes []actorOutcome
}

type actorOutcome struct {
	items []json.RawMessage
	err   error
}

func (f *fakeActor) Run(context.Context, string, any, time.Duration) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	out := f.outcomes[idx]
	return out.items, out.err
}

func (f *fakeActor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDiscoverer struct {
	pages []string
	err   error
}

func (f *fakeDiscoverer) Discover(context.Context, string) ([]string, error) {
	return f.pages, f.err
}

type seqIDGen struct{ n atomic.Int64 }

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("task-%d", g.n.Add(1)), nil
}

// captureSink records every emitted event synchronously, which makes event
// ordering assertions deterministic.
type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *captureSink) Consume(_ context.Context, evt progress.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) forTask(taskID string) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Event
	for _, evt := range s.events {
		if evt.TaskID == taskID {
			out = append(out, evt)
		}
	}
	return out
}

type testEnv struct {
	orch      *Orchestrator
	taskStore *memory.TaskStore
	recStore  *memory.RecordStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	sink      *captureSink
}

type deps struct {
	renderer   ingest.Renderer
	discoverer ingest.PageDiscoverer
	actors     ingest.ActorClient
	publisher  ingest.Publisher
	cfg        Config
}

func newTestEnv(t *testing.T, d deps) *testEnv {
	t.Helper()
	taskStore := memory.NewTaskStore()
	recStore := memory.NewRecordStore()
	blobs := memory.NewBlobStore()
	publisher := pubmemory.New()
	var pub ingest.Publisher = publisher
	if d.publisher != nil {
		pub = d.publisher
	}
	sink := &captureSink{}
	hub := progress.NewHub(progress.Config{}, sink)
	clock := system.New()

	orch := New(
		taskStore,
		records.NewIngester(recStore, clock, nil),
		d.renderer,
		d.discoverer,
		d.actors,
		nil,
		blobs,
		pub,
		sha256.New(),
		hub,
		clock,
		&seqIDGen{},
		d.cfg,
		nil,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return &testEnv{
		orch:      orch,
		taskStore: taskStore,
		recStore:  recStore,
		blobs:     blobs,
		publisher: publisher,
		sink:      sink,
	}
}

func awaitTerminal(t *testing.T, env *testEnv, taskID string) ingest.Task {
	t.Helper()
	var task ingest.Task
	require.Eventually(t, func() bool {
		got, err := env.taskStore.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func reviewItems(t *testing.T, n int) []json.RawMessage {
	t.Helper()
	items := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		data, err := json.Marshal(map[string]any{
			"reviewId": fmt.Sprintf("rev-%d", i),
			"name":     fmt.Sprintf("Reviewer %d", i),
			"stars":    4.0,
		})
		require.NoError(t, err)
		items = append(items, data)
	}
	return items
}

func TestSubmitSingleFlight(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	renderer := &fakeRenderer{
		gate:    gate,
		results: []renderOutcome{{res: ingest.ScrapeResult{HTML: "<html></html>"}}},
	}
	env := newTestEnv(t, deps{renderer: renderer})

	input := ingest.TaskInput{Domain: "example.com"}
	const submitters = 8
	ids := make([]string, submitters)
	errs := make([]error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = env.orch.Submit(context.Background(), "tenant-1", ingest.KindDomainScrape, input)
		}(i)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
	}

	for _, id := range ids[1:] {
		require.Equal(t, ids[0], id, "concurrent submits must observe one task")
	}

	// A different kind for the same tenant is admitted independently.
	otherID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{SourceURL: "https://maps.google.com/x"})
	require.NoError(t, err)
	require.NotEqual(t, ids[0], otherID)

	close(gate)
	task := awaitTerminal(t, env, ids[0])
	require.Equal(t, ingest.StatusSucceeded, task.Status)

	// With the first task terminal in the store the same submit admits a
	// fresh run immediately.
	newID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindDomainScrape, input)
	require.NoError(t, err)
	require.NotEqual(t, ids[0], newID)
}

// slowPublisher delays every publish, keeping the completion notification in
// flight well past the terminal store write.
type slowPublisher struct {
	delay time.Duration
	inner *pubmemory.Publisher
}

func (p *slowPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	time.Sleep(p.delay)
	return p.inner.Publish(ctx, topic, payload)
}

func TestResubmitAdmittedWhilePublishInFlight(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{{items: reviewItems(t, 2)}}}
	inner := pubmemory.New()
	env := newTestEnv(t, deps{
		actors:    actors,
		publisher: &slowPublisher{delay: 2 * time.Second, inner: inner},
		cfg:       Config{CompletionTopic: "ingest-events"},
	})

	input := ingest.TaskInput{SourceURL: "https://maps.google.com/place/x"}
	firstID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, input)
	require.NoError(t, err)
	task := awaitTerminal(t, env, firstID)
	require.Equal(t, ingest.StatusSucceeded, task.Status)

	// The completion publish is still sleeping. A submit for the same
	// (tenant, kind) must start a new task, not return the finished one.
	secondID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, input)
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)
}

func TestReviewsFetchEndToEnd(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{{items: reviewItems(t, 50)}}}
	env := newTestEnv(t, deps{actors: actors, cfg: Config{CompletionTopic: "ingest-events"}})

	// Pre-seed ten of the fifty so the run observes duplicates.
	for i := 0; i < 10; i++ {
		_, err := env.recStore.InsertRecord(context.Background(), "tenant-1", ingest.Record{
			Source: ingest.SourceGoogleReviews,
			Review: &ingest.Review{ExternalID: fmt.Sprintf("rev-%d", i)},
		}, time.Now().UTC())
		require.NoError(t, err)
	}

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusSucceeded, task.Status)
	require.NotNil(t, task.Result)
	require.Equal(t, 50, task.Result.ItemsScraped)
	require.Equal(t, 40, task.Result.ItemsSaved)
	require.Equal(t, 10, task.Result.ItemsSkipped)
	require.Zero(t, task.Result.ItemsFailed)
	require.Equal(t, 50, env.recStore.Count())

	// Completion notification went out. The publish happens just after the
	// terminal write, hence the poll.
	require.Eventually(t, func() bool {
		return len(env.publisher.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	msgs := env.publisher.Messages()
	require.Equal(t, "ingest-events", msgs[0].Topic)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Equal(t, taskID, payload["task_id"])
	require.Equal(t, "succeeded", payload["status"])
}

func TestFetchRetriesOnceOnUnavailable(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{
		{err: ingest.NewError(ingest.KindUpstreamUnavailable, "connection reset")},
		{items: reviewItems(t, 3)},
	}}
	env := newTestEnv(t, deps{actors: actors})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusSucceeded, task.Status)
	require.Equal(t, 2, actors.callCount())
}

func TestFetchDoesNotRetryActorFailure(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{
		{err: ingest.NewError(ingest.KindUpstreamFailure, "actor run failed")},
		{items: reviewItems(t, 3)},
	}}
	env := newTestEnv(t, deps{actors: actors})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	require.Equal(t, ingest.KindUpstreamFailure, task.Error.Kind)
	require.Equal(t, 1, actors.callCount())
}

func TestDomainScrapeNavigationTimeoutFailsTask(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{results: []renderOutcome{
		{err: ingest.NewError(ingest.KindNavigationTimeout, "page never settled")},
	}}
	env := newTestEnv(t, deps{renderer: renderer})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindDomainScrape, ingest.TaskInput{
		Domain: "slow.example.com",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	require.Equal(t, ingest.KindNavigationTimeout, task.Error.Kind)
	require.Equal(t, 1, renderer.callCount(), "navigation timeouts are not retried")
}

func TestDomainScrapePersistsArtifacts(t *testing.T) {
	t.Parallel()

	shot := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	renderer := &fakeRenderer{results: []renderOutcome{{res: ingest.ScrapeResult{
		HTML:           "<html><body>hi</body></html>",
		FinalURL:       "https://example.com/",
		StylesheetURLs: []string{"https://example.com/app.css"},
		Fonts:          map[string][]string{"body": {"inter", "sans-serif"}},
		Screenshot:     shot,
	}}}}
	discoverer := &fakeDiscoverer{pages: []string{"https://example.com", "https://example.com/about"}}
	env := newTestEnv(t, deps{
		renderer:   renderer,
		discoverer: discoverer,
		cfg:        Config{BlobPrefix: "artifacts"},
	})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindDomainScrape, ingest.TaskInput{
		Domain:     "example.com",
		Screenshot: true,
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusSucceeded, task.Status)
	require.NotNil(t, task.Result)
	require.Equal(t, discoverer.pages, task.Result.Pages)
	require.Equal(t, []string{"https://example.com/app.css"}, task.Result.StylesheetURLs)
	require.Equal(t, []string{"inter", "sans-serif"}, task.Result.Fonts["body"])
	require.Contains(t, task.Result.HTMLBlobURI, "memory://artifacts/tenant-1/"+taskID)
	require.Contains(t, task.Result.ScreenshotURI, ".png")
}

func TestDiscoveryFailureDoesNotFailScrape(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{results: []renderOutcome{{res: ingest.ScrapeResult{HTML: "<html></html>"}}}}
	discoverer := &fakeDiscoverer{err: fmt.Errorf("robots blocked")}
	env := newTestEnv(t, deps{renderer: renderer, discoverer: discoverer})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindDomainScrape, ingest.TaskInput{
		Domain: "example.com",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusSucceeded, task.Status)
	require.Empty(t, task.Result.Pages)
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{{items: reviewItems(t, 2)}}}
	env := newTestEnv(t, deps{actors: actors})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)
	awaitTerminal(t, env, taskID)

	require.Eventually(t, func() bool {
		events := env.sink.forTask(taskID)
		return len(events) > 0 && events[len(events)-1].Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	events := env.sink.forTask(taskID)
	require.NotEmpty(t, events)
	require.Equal(t, progress.StageQueued, events[0].Stage)
	last := events[len(events)-1]
	require.Equal(t, progress.StageDone, last.Stage)
	require.Equal(t, 100, last.Progress)
	require.True(t, last.Terminal())
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress,
			"progress must never move backwards")
	}
}

func TestAwaitReturnsTerminalSnapshot(t *testing.T) {
	t.Parallel()

	actors := &fakeActor{outcomes: []actorOutcome{{items: reviewItems(t, 5)}}}
	env := newTestEnv(t, deps{actors: actors})

	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := env.orch.Await(ctx, taskID)
	require.NoError(t, err)
	require.True(t, task.Status.IsTerminal())
	require.Equal(t, 5, task.Result.ItemsSaved)

	// Await on an already-terminal task returns immediately.
	again, err := env.orch.Await(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.Status, again.Status)
}

func TestFetchWithoutGatewayFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, deps{})
	taskID, err := env.orch.Submit(context.Background(), "tenant-1", ingest.KindReviewsFetch, ingest.TaskInput{
		SourceURL: "https://maps.google.com/place/x",
	})
	require.NoError(t, err)

	task := awaitTerminal(t, env, taskID)
	require.Equal(t, ingest.StatusFailed, task.Status)
	require.Equal(t, ingest.KindInternal, task.Error.Kind)
}

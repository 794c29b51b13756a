// Package actor invokes third-party long-running scraping jobs over REST and
// normalizes their terminal results.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
)

// Config controls the Gateway. Actors maps logical actor names to the
// provider's actor identifiers; the registry is explicit configuration, not
// process-wide state.
type Config struct {
	BaseURL        string
	Token          string
	Actors         map[string]string
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
}

const (
	defaultPollInterval = 3 * time.Second
	defaultRunTimeout   = 300 * time.Second
)

// Gateway implements ingest.ActorClient against an Apify-style run/poll/
// dataset REST API. It holds no state beyond the in-flight call and never
// retries; retry policy belongs to the orchestrator.
type Gateway struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Gateway.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("actor base url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("actor api token is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultRunTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{cfg: cfg, client: client, logger: logger}, nil
}

// Run starts the named actor with the given input, polls until the run
// reaches a terminal state or the timeout elapses, then fetches and returns
// the run's dataset items.
func (g *Gateway) Run(
	ctx context.Context,
	actorName string,
	input any,
	timeout time.Duration,
) ([]json.RawMessage, error) {
	actorID, ok := g.cfg.Actors[actorName]
	if !ok {
		return nil, ingest.NewError(ingest.KindValidation, "unknown actor %q", actorName)
	}
	if timeout <= 0 {
		timeout = g.cfg.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runID, err := g.startRun(runCtx, actorID, input)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("actor run started",
		zap.String("actor", actorName),
		zap.String("run_id", runID),
	)

	datasetID, err := g.awaitRun(runCtx, runID)
	if err != nil {
		return nil, err
	}
	return g.datasetItems(runCtx, datasetID)
}

func (g *Gateway) startRun(ctx context.Context, actorID string, input any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", ingest.WrapError(ingest.KindValidation, err, "encode actor input")
	}
	url := fmt.Sprintf("%s/acts/%s/runs?token=%s", g.cfg.BaseURL, actorID, g.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, err, "start actor run")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", ingest.NewError(ingest.KindUpstreamFailure,
			"start actor run: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", ingest.WrapError(ingest.KindUpstreamFailure, err, "decode start response")
	}
	if result.Data.ID == "" {
		return "", ingest.NewError(ingest.KindUpstreamFailure, "start response missing run id")
	}
	return result.Data.ID, nil
}

// awaitRun polls the run until it is terminal and returns its dataset ID.
func (g *Gateway) awaitRun(ctx context.Context, runID string) (string, error) {
	statusURL := fmt.Sprintf("%s/actor-runs/%s?token=%s", g.cfg.BaseURL, runID, g.cfg.Token)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", classifyTransport(ctx, ctx.Err(), "await actor run")
		case <-ticker.C:
		}

		status, datasetID, err := g.pollRun(ctx, statusURL)
		if err != nil {
			return "", err
		}
		switch status {
		case "SUCCEEDED":
			return datasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", ingest.NewError(ingest.KindUpstreamFailure,
				"actor run %s finished with status %s", runID, status)
		}
		// READY/RUNNING: keep polling.
	}
}

func (g *Gateway) pollRun(ctx context.Context, statusURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", classifyTransport(ctx, err, "poll actor run")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", ingest.NewError(ingest.KindUpstreamFailure,
			"poll actor run: status %d", resp.StatusCode)
	}
	var status struct {
		Data struct {
			Status           string `json:"status"`
			DefaultDatasetID string `json:"defaultDatasetId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", "", ingest.WrapError(ingest.KindUpstreamFailure, err, "decode run status")
	}
	return status.Data.Status, status.Data.DefaultDatasetID, nil
}

func (g *Gateway) datasetItems(ctx context.Context, datasetID string) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/datasets/%s/items?token=%s", g.cfg.BaseURL, datasetID, g.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err, "fetch dataset items")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ingest.NewError(ingest.KindUpstreamFailure,
			"fetch dataset items: status %d", resp.StatusCode)
	}
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, ingest.WrapError(ingest.KindUpstreamFailure, err, "decode dataset items")
	}
	return items, nil
}

// classifyTransport distinguishes an elapsed run budget (UpstreamTimeout)
// from transport-level failures reaching the provider (UpstreamUnavailable).
func classifyTransport(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ingest.WrapError(ingest.KindUpstreamTimeout, err, "%s", op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ingest.WrapError(ingest.KindUpstreamTimeout, err, "%s canceled", op)
	}
	return ingest.WrapError(ingest.KindUpstreamUnavailable, err, "%s", op)
}

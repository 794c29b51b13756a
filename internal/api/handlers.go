package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
)

type domainScrapeRequest struct {
	TenantID   string `json:"tenantId"`
	Domain     string `json:"domain"`
	Screenshot bool   `json:"screenshot"`
}

type fetchRequest struct {
	TenantID  string `json:"tenantId"`
	SourceURL string `json:"sourceUrl"`
}

type syncReviewsResponse struct {
	Success           bool   `json:"success"`
	ReviewsScraped    int    `json:"reviewsScraped"`
	ReviewsSaved      int    `json:"reviewsSaved"`
	DuplicatesSkipped int    `json:"duplicatesSkipped"`
	Error             string `json:"error,omitempty"`
}

type taskView struct {
	TaskID     string             `json:"taskId"`
	TenantID   string             `json:"tenantId"`
	Kind       ingest.TaskKind    `json:"kind"`
	Status     ingest.TaskStatus  `json:"status"`
	Stage      string             `json:"stage"`
	Progress   int                `json:"progress"`
	Input      ingest.TaskInput   `json:"input"`
	Result     *ingest.TaskResult `json:"result,omitempty"`
	Error      *ingest.TaskError  `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
}

func toTaskView(task ingest.Task) taskView {
	return taskView{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		Kind:       task.Kind,
		Status:     task.Status,
		Stage:      task.Stage,
		Progress:   task.Progress,
		Input:      task.Input,
		Result:     task.Result,
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
		StartedAt:  task.StartedAt,
		FinishedAt: task.FinishedAt,
	}
}

func (s *Server) submitDomainScrape(w http.ResponseWriter, r *http.Request) {
	var req domainScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.authorize(w, r, req.TenantID) {
		return
	}
	domain, err := ingest.NormalizeDomain(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input := ingest.TaskInput{Domain: domain, Screenshot: req.Screenshot}
	taskID, err := s.tasks.Submit(r.Context(), req.TenantID, ingest.KindDomainScrape, input)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) submitReviews(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.authorize(w, r, req.TenantID) {
		return
	}
	sourceURL, err := ingest.ValidateSourceURL(req.SourceURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input := ingest.TaskInput{SourceURL: sourceURL}
	taskID, err := s.tasks.Submit(r.Context(), req.TenantID, ingest.KindReviewsFetch, input)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if isAsync(r) {
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
		return
	}

	// Synchronous facade: the task still runs through the orchestrator, so
	// callers polling the task endpoint observe the same run.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	task, err := s.tasks.Await(ctx, taskID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	if task.Status == ingest.StatusFailed {
		resp := syncReviewsResponse{Success: false}
		status := http.StatusInternalServerError
		if task.Error != nil {
			resp.Error = task.Error.Message
			status = statusForKind(task.Error.Kind)
		}
		writeJSON(w, status, resp)
		return
	}
	resp := syncReviewsResponse{Success: true}
	if task.Result != nil {
		resp.ReviewsScraped = task.Result.ItemsScraped
		resp.ReviewsSaved = task.Result.ItemsSaved
		resp.DuplicatesSkipped = task.Result.ItemsSkipped
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) submitInstagram(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.authorize(w, r, req.TenantID) {
		return
	}
	sourceURL, err := ingest.ValidateSourceURL(req.SourceURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input := ingest.TaskInput{SourceURL: sourceURL}
	taskID, err := s.tasks.Submit(r.Context(), req.TenantID, ingest.KindInstagramFetch, input)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.authorize(w, r, tenantID) {
		return
	}
	limit := defaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxListLimit)
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	tasks, err := s.tasks.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, toTaskView(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

type reviewItem struct {
	ID string `json:"id"`
	ingest.Review
	IngestedAt time.Time `json:"ingestedAt"`
}

type socialPostItem struct {
	ID string `json:"id"`
	ingest.SocialPost
	IngestedAt time.Time `json:"ingestedAt"`
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.authorize(w, r, tenantID) {
		return
	}
	q := parseListQuery(r)
	q.TenantID = tenantID
	q.Source = ingest.SourceGoogleReviews

	stored, err := s.records.ListRecords(r.Context(), q)
	if err != nil {
		s.logger.Error("list reviews failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list reviews")
		return
	}
	items := make([]reviewItem, 0, len(stored))
	for _, rec := range stored {
		if rec.Record.Review == nil {
			continue
		}
		items = append(items, reviewItem{ID: rec.ID, Review: *rec.Record.Review, IngestedAt: rec.IngestedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

func (s *Server) listSocialPosts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.authorize(w, r, tenantID) {
		return
	}
	q := parseListQuery(r)
	q.TenantID = tenantID
	q.Source = ingest.SourceInstagram
	q.PostType = r.URL.Query().Get("type")

	stored, err := s.records.ListRecords(r.Context(), q)
	if err != nil {
		s.logger.Error("list social posts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list social posts")
		return
	}
	items := make([]socialPostItem, 0, len(stored))
	for _, rec := range stored {
		if rec.Record.Post == nil {
			continue
		}
		items = append(items, socialPostItem{ID: rec.ID, SocialPost: *rec.Record.Post, IngestedAt: rec.IngestedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": items})
}

func (s *Server) deleteSocialPost(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.authorize(w, r, tenantID) {
		return
	}
	recordID := chi.URLParam(r, "record_id")
	if err := s.records.DeleteRecord(r.Context(), tenantID, recordID); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		s.logger.Error("delete social post failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete post")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func parseListQuery(r *http.Request) ingest.RecordQuery {
	q := ingest.RecordQuery{
		SortBy:   r.URL.Query().Get("sortBy"),
		SortDesc: true,
		Limit:    defaultListLimit,
	}
	if q.SortBy == "" {
		q.SortBy = "posted_at"
	}
	if r.URL.Query().Get("sortOrder") == "asc" {
		q.SortDesc = false
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		q.Limit = min(limit, maxListLimit)
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && offset > 0 {
		q.Offset = offset
	}
	return q
}

func isAsync(r *http.Request) bool {
	switch r.URL.Query().Get("async") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func statusForError(err error) int {
	return statusForKind(ingest.KindOf(err))
}

func statusForKind(kind ingest.ErrorKind) int {
	switch kind {
	case ingest.KindValidation:
		return http.StatusBadRequest
	case ingest.KindAuthorization:
		return http.StatusUnauthorized
	case ingest.KindUpstreamTimeout, ingest.KindNavigationTimeout:
		return http.StatusGatewayTimeout
	case ingest.KindUpstreamFailure, ingest.KindUpstreamUnavailable,
		ingest.KindNavigationError, ingest.KindRenderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package ingest

import (
	"time"
)

// TaskKind identifies the kind of ingestion work a task performs.
type TaskKind string

// Supported task kinds.
const (
	KindDomainScrape   TaskKind = "domain-scrape"
	KindReviewsFetch   TaskKind = "reviews-fetch"
	KindInstagramFetch TaskKind = "instagram-fetch"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses. Transitions are strictly Queued -> Running -> terminal.
const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Task tracks one asynchronous ingestion run.
type Task struct {
	// ID is an opaque, globally unique identifier (UUIDv7 string).
	ID string
	// TenantID scopes the task to one tenant.
	TenantID string
	// Kind selects the execution pipeline.
	Kind TaskKind
	// Status is the current lifecycle state.
	Status TaskStatus
	// Input carries kind-specific parameters.
	Input TaskInput
	// Progress is 0-100; Stage names the current pipeline step.
	Progress int
	Stage    string
	// Result summarizes the outcome once the task succeeds.
	Result *TaskResult
	// Error records the classified failure once the task fails.
	Error *TaskError

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskInput holds the kind-specific parameters of a task.
type TaskInput struct {
	// Domain is the normalized domain for domain-scrape tasks.
	Domain string `json:"domain,omitempty"`
	// SourceURL is the maps/profile URL for fetch tasks.
	SourceURL string `json:"sourceUrl,omitempty"`
	// Screenshot requests a full-page capture during domain-scrape.
	Screenshot bool `json:"screenshot,omitempty"`
}

// TaskResult summarizes a successful run. Fields are populated per kind.
type TaskResult struct {
	// Domain-scrape outputs.
	Pages          []string            `json:"pages,omitempty"`
	StylesheetURLs []string            `json:"stylesheetUrls,omitempty"`
	Fonts          map[string][]string `json:"fonts,omitempty"`
	HTMLBlobURI    string              `json:"htmlBlobUri,omitempty"`
	ScreenshotURI  string              `json:"screenshotUri,omitempty"`
	DraftID        string              `json:"draftId,omitempty"`

	// Fetch outputs.
	ItemsScraped int `json:"itemsScraped,omitempty"`
	ItemsSaved   int `json:"itemsSaved,omitempty"`
	ItemsSkipped int `json:"itemsSkipped,omitempty"`
	ItemsFailed  int `json:"itemsFailed,omitempty"`
}

// TaskError is the classified terminal failure recorded on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Source identifies where an external record came from.
type Source string

// Supported external sources.
const (
	SourceGoogleReviews Source = "google-reviews"
	SourceInstagram     Source = "instagram"
)

// Review is one externally sourced review. Text fields are never null
// downstream; absent values decode to the zero value.
type Review struct {
	ExternalID  string    `json:"externalId"`
	Author      string    `json:"author"`
	Rating      float64   `json:"rating"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"publishedAt"`
	AuthorPhoto string    `json:"authorPhoto,omitempty"`
}

// SocialPost is one externally sourced social media post. Engagement counts
// default to zero when the source omits them.
type SocialPost struct {
	ExternalID string    `json:"externalId"`
	Caption    string    `json:"caption"`
	MediaURL   string    `json:"mediaUrl"`
	PostURL    string    `json:"postUrl"`
	PostType   string    `json:"postType"`
	Likes      int64     `json:"likes"`
	Comments   int64     `json:"comments"`
	PostedAt   time.Time `json:"postedAt"`
}

// Record is a tagged variant over the supported external item shapes. Exactly
// one of Review/Post is set.
type Record struct {
	Source Source      `json:"source"`
	Review *Review     `json:"review,omitempty"`
	Post   *SocialPost `json:"post,omitempty"`
}

// ExternalID returns the dedup key component for the record.
func (r Record) ExternalID() string {
	switch {
	case r.Review != nil:
		return r.Review.ExternalID
	case r.Post != nil:
		return r.Post.ExternalID
	default:
		return ""
	}
}

// StoredRecord is a persisted external record row.
type StoredRecord struct {
	ID         string
	TenantID   string
	Source     Source
	ExternalID string
	Record     Record
	IngestedAt time.Time
}

// ItemError reports one item that failed persistence inside a batch.
type ItemError struct {
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
}

// IngestSummary reports the outcome of one ingestion batch.
type IngestSummary struct {
	Saved    int         `json:"saved"`
	Skipped  int         `json:"skipped"`
	Failures []ItemError `json:"failures,omitempty"`
}

// ScrapeResult is the ephemeral output of one page render. It is consumed by
// the orchestrator to build a task result and is not persisted as-is.
type ScrapeResult struct {
	// HTML is the DOM-serialized document after rendering.
	HTML string
	// FinalURL is the post-redirect location.
	FinalURL string
	// StylesheetURLs is the set of text/css response URLs observed during
	// load. Order is not meaningful.
	StylesheetURLs []string
	// Fonts maps role ("h1", "h2", "body") to lowercased font families,
	// deduplicated preserving first-seen order.
	Fonts map[string][]string
	// Screenshot is a full-page capture encoded for inline transport
	// (base64 PNG), empty unless requested.
	Screenshot string
}

// SiteDraft is the opaque output of content structuring. The ingestion core
// only carries its identifier.
type SiteDraft struct {
	ID string `json:"id"`
}

// ProgressEvent is one named-stage update for a running task.
type ProgressEvent struct {
	TaskID   string     `json:"taskId"`
	TS       time.Time  `json:"ts"`
	Stage    string     `json:"stage"`
	Progress int        `json:"progress"`
	Status   TaskStatus `json:"status"`
	Note     string     `json:"note,omitempty"`
}

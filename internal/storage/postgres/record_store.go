package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sitekraft/presence/internal/ingest"
)

// RecordStore implements ingest.RecordStore on Postgres. Idempotency comes
// from the unique constraint on (tenant_id, source, external_id); duplicate
// inserts are swallowed with ON CONFLICT DO NOTHING.
type RecordStore struct {
	pool db
}

// NewRecordStore constructs a RecordStore from an existing pool.
func NewRecordStore(pool db) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertRecord persists a record unless its dedup key already exists. The
// returned bool reports whether a new row was written.
func (s *RecordStore) InsertRecord(
	ctx context.Context,
	tenantID string,
	rec ingest.Record,
	at time.Time,
) (bool, error) {
	externalID := rec.ExternalID()
	if externalID == "" {
		return false, fmt.Errorf("record external id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate record id: %w", err)
	}
	query := `
		INSERT INTO external_records (id, tenant_id, source, external_id, post_type, likes, posted_at, payload, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, source, external_id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query,
		id.String(),
		tenantID,
		string(rec.Source),
		externalID,
		recordPostType(rec),
		recordLikes(rec),
		recordPostedAt(rec),
		payload,
		at,
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// sortColumns whitelists the ORDER BY targets ListRecords accepts.
var sortColumns = map[string]string{
	"likes":       "likes",
	"posted_at":   "posted_at",
	"ingested_at": "ingested_at",
}

// ListRecords pages through one tenant's records for a source.
func (s *RecordStore) ListRecords(ctx context.Context, q ingest.RecordQuery) ([]ingest.StoredRecord, error) {
	column, ok := sortColumns[q.SortBy]
	if !ok {
		column = "ingested_at"
	}
	direction := "ASC"
	if q.SortDesc {
		direction = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, tenant_id, source, external_id, payload, ingested_at
		FROM external_records
		WHERE tenant_id = $1 AND source = $2 AND ($3 = '' OR post_type = $3)
		ORDER BY %s %s
		LIMIT $4 OFFSET $5;
	`, column, direction)

	rows, err := s.pool.Query(ctx, query, q.TenantID, string(q.Source), q.PostType, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []ingest.StoredRecord
	for rows.Next() {
		var (
			rec     ingest.StoredRecord
			source  string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &source, &rec.ExternalID, &payload, &rec.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.Source = ingest.Source(source)
		if err := json.Unmarshal(payload, &rec.Record); err != nil {
			return nil, fmt.Errorf("unmarshal record payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

// DeleteRecord removes one record by row ID, scoped to the tenant.
func (s *RecordStore) DeleteRecord(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM external_records WHERE id = $1 AND tenant_id = $2;`, id, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.ErrNotFound
		}
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func recordPostType(rec ingest.Record) string {
	if rec.Post != nil {
		return rec.Post.PostType
	}
	return ""
}

func recordLikes(rec ingest.Record) int64 {
	if rec.Post != nil {
		return rec.Post.Likes
	}
	return 0
}

func recordPostedAt(rec ingest.Record) time.Time {
	switch {
	case rec.Post != nil:
		return rec.Post.PostedAt
	case rec.Review != nil:
		return rec.Review.PublishedAt
	default:
		return time.Time{}
	}
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sitekraft/presence/internal/ingest"
)

type dedupKey struct {
	tenantID   string
	source     ingest.Source
	externalID string
}

// RecordStore implements ingest.RecordStore in memory. The dedup map mirrors
// the uniqueness constraint a relational store would enforce.
type RecordStore struct {
	mu     sync.RWMutex
	byID   map[string]ingest.StoredRecord
	byKey  map[dedupKey]string
	nextID int64

	// FailExternalIDs makes inserts for the listed IDs fail, for tests
	// exercising partial batch success.
	FailExternalIDs map[string]bool
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byID:  make(map[string]ingest.StoredRecord),
		byKey: make(map[dedupKey]string),
	}
}

// InsertRecord persists a record unless its dedup key already exists.
func (s *RecordStore) InsertRecord(
	_ context.Context,
	tenantID string,
	rec ingest.Record,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailExternalIDs[rec.ExternalID()] {
		return false, fmt.Errorf("simulated insert failure for %s", rec.ExternalID())
	}
	key := dedupKey{tenantID: tenantID, source: rec.Source, externalID: rec.ExternalID()}
	if _, exists := s.byKey[key]; exists {
		return false, nil
	}
	s.nextID++
	id := fmt.Sprintf("rec-%d", s.nextID)
	s.byID[id] = ingest.StoredRecord{
		ID:         id,
		TenantID:   tenantID,
		Source:     rec.Source,
		ExternalID: rec.ExternalID(),
		Record:     rec,
		IngestedAt: at,
	}
	s.byKey[key] = id
	return true, nil
}

// ListRecords pages through one tenant's records for a source.
func (s *RecordStore) ListRecords(_ context.Context, q ingest.RecordQuery) ([]ingest.StoredRecord, error) {
	s.mu.RLock()
	var all []ingest.StoredRecord
	for _, rec := range s.byID {
		if rec.TenantID != q.TenantID || rec.Source != q.Source {
			continue
		}
		if q.PostType != "" && (rec.Record.Post == nil || rec.Record.Post.PostType != q.PostType) {
			continue
		}
		all = append(all, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		less := recordLess(all[i], all[j], q.SortBy)
		if q.SortDesc {
			return !less
		}
		return less
	})

	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && q.Limit < len(all) {
		all = all[:q.Limit]
	}
	return all, nil
}

// DeleteRecord removes one record by row ID.
func (s *RecordStore) DeleteRecord(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.TenantID != tenantID {
		return ingest.ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byKey, dedupKey{tenantID: rec.TenantID, source: rec.Source, externalID: rec.ExternalID})
	return nil
}

// Count reports the total stored records (test helper).
func (s *RecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func recordLess(a, b ingest.StoredRecord, sortBy string) bool {
	switch sortBy {
	case "likes":
		return likes(a) < likes(b)
	case "posted_at":
		return postedAt(a).Before(postedAt(b))
	default:
		return a.IngestedAt.Before(b.IngestedAt)
	}
}

func likes(r ingest.StoredRecord) int64 {
	if r.Record.Post == nil {
		return 0
	}
	return r.Record.Post.Likes
}

func postedAt(r ingest.StoredRecord) time.Time {
	switch {
	case r.Record.Post != nil:
		return r.Record.Post.PostedAt
	case r.Record.Review != nil:
		return r.Record.Review.PublishedAt
	default:
		return time.Time{}
	}
}

package records

import (
	"encoding/json"
	"time"

	"github.com/sitekraft/presence/internal/ingest"
)

// googleReviewItem is the shape the reviews actor emits. Every field is
// optional on the wire; decoding applies the documented defaults (counts to
// zero, text to empty string).
type googleReviewItem struct {
	ReviewID      string   `json:"reviewId"`
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ReviewerName  string   `json:"reviewerName"`
	Stars         *float64 `json:"stars"`
	Rating        *float64 `json:"rating"`
	Text          string   `json:"text"`
	ReviewText    string   `json:"reviewText"`
	PublishedAt   string   `json:"publishedAtDate"`
	ReviewerPhoto string   `json:"reviewerPhotoUrl"`
}

// instagramPostItem is the shape the instagram actor emits.
type instagramPostItem struct {
	ID            string `json:"id"`
	ShortCode     string `json:"shortCode"`
	Caption       string `json:"caption"`
	DisplayURL    string `json:"displayUrl"`
	VideoURL      string `json:"videoUrl"`
	URL           string `json:"url"`
	Type          string `json:"type"`
	LikesCount    *int64 `json:"likesCount"`
	CommentsCount *int64 `json:"commentsCount"`
	Timestamp     string `json:"timestamp"`
}

// DecodeGoogleReviews converts raw actor output into typed review records.
// Items that cannot be decoded at all are dropped with a count of how many.
func DecodeGoogleReviews(items []json.RawMessage) ([]ingest.Record, int) {
	out := make([]ingest.Record, 0, len(items))
	dropped := 0
	for _, raw := range items {
		var item googleReviewItem
		if err := json.Unmarshal(raw, &item); err != nil {
			dropped++
			continue
		}
		review := ingest.Review{
			ExternalID:  firstNonEmpty(item.ReviewID, item.ID),
			Author:      firstNonEmpty(item.Name, item.ReviewerName),
			Rating:      floatOrZero(firstFloat(item.Stars, item.Rating)),
			Text:        firstNonEmpty(item.Text, item.ReviewText),
			PublishedAt: parseTime(item.PublishedAt),
			AuthorPhoto: item.ReviewerPhoto,
		}
		out = append(out, ingest.Record{
			Source: ingest.SourceGoogleReviews,
			Review: &review,
		})
	}
	return out, dropped
}

// DecodeInstagramPosts converts raw actor output into typed post records.
func DecodeInstagramPosts(items []json.RawMessage) ([]ingest.Record, int) {
	out := make([]ingest.Record, 0, len(items))
	dropped := 0
	for _, raw := range items {
		var item instagramPostItem
		if err := json.Unmarshal(raw, &item); err != nil {
			dropped++
			continue
		}
		post := ingest.SocialPost{
			ExternalID: firstNonEmpty(item.ID, item.ShortCode),
			Caption:    item.Caption,
			MediaURL:   firstNonEmpty(item.VideoURL, item.DisplayURL),
			PostURL:    item.URL,
			PostType:   item.Type,
			Likes:      intOrZero(item.LikesCount),
			Comments:   intOrZero(item.CommentsCount),
			PostedAt:   parseTime(item.Timestamp),
		}
		out = append(out, ingest.Record{
			Source: ingest.SourceInstagram,
			Post:   &post,
		})
	}
	return out, dropped
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func intOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

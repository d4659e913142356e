package domain

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal statuses never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ImageRecord is one catalogued capture. The ingest gateway writes the
// creation fields; the indexer owns Status, Embedding, Description and the
// claim bookkeeping.
type ImageRecord struct {
	ID            string    `json:"image_id"`
	StorageRef    string    `json:"s3_url"`
	Filename      string    `json:"filename"`
	ContentType   string    `json:"content_type"`
	Location      string    `json:"location"`
	CapturedAt    time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`
	Embedding     []float32 `json:"vector,omitempty"`
	Description   string    `json:"description,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	ClaimToken    string    `json:"-"`
	ClaimedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r ImageRecord) Clone() ImageRecord {
	r.Embedding = slices.Clone(r.Embedding)
	return r
}

// ChangeSignal announces that a record was created. The payload key matches
// the notification body the capture pipeline has always emitted.
type ChangeSignal struct {
	RecordID string `json:"image_id"`
}

type QueryRequest struct {
	Question string `json:"question"`
	Count    int    `json:"count"`
}

type ScoredRecord struct {
	Record   ImageRecord `json:"record"`
	Distance float32     `json:"distance"`
}

// RetrievalResult is ordered by ascending distance and only ever holds
// completed records.
type RetrievalResult struct {
	Items []ScoredRecord `json:"items"`
}

func (r RetrievalResult) Empty() bool {
	return len(r.Items) == 0
}

func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

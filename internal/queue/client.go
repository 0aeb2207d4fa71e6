package queue

import (
	"context"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// Client defines the durable work queue the dispatch worker drains
type Client interface {
	// Enqueue inserts one entry that becomes visible immediately
	Enqueue(ctx context.Context, campaignID, targetID, senderID int64) (*models.QueueEntry, error)

	// FetchBatch claims up to limit visible entries in insertion order and marks them processing.
	// Concurrent callers never receive the same entry.
	FetchBatch(ctx context.Context, limit int) ([]*models.QueueEntry, error)

	// MarkDone is the terminal success transition
	MarkDone(ctx context.Context, id int64) error

	// MarkFailed requeues the entry with one more attempt and a capped linear backoff.
	// It returns the new attempt count.
	MarkFailed(ctx context.Context, id int64, backoff time.Duration) (int, error)

	// MarkDead parks an entry that exhausted its attempts
	MarkDead(ctx context.Context, id int64) error

	// Release returns claimed entries to the queue without counting an attempt
	Release(ctx context.Context, ids []int64) error

	// ReclaimStale requeues entries claimed longer ago than olderThan
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// OpenCount counts queued and processing entries
	OpenCount(ctx context.Context) (int64, error)
}

// client/queue.go
package client

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// SyncQueue buffers mutating calls while offline and replays them strictly in
// enqueue order once connectivity returns. Delivery is at-least-once: an item
// is removed only after the server call completed, so every server-side
// mutation must tolerate identical re-delivery (and does — see the
// deterministic conversion ids).
type SyncQueue struct {
	store *Store
	api   *APIClient
	mu    sync.Mutex
}

func NewSyncQueue(store *Store, api *APIClient) *SyncQueue {
	return &SyncQueue{store: store, api: api}
}

// Enqueue buffers an operation for replay. payload is one of the client/api
// payload structs.
func (q *SyncQueue) Enqueue(op Operation, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = q.store.AppendQueueItem(op, raw)
	return err
}

// Pending reports how many operations are waiting.
func (q *SyncQueue) Pending() (int, error) {
	return q.store.QueueLen()
}

// Flush replays queued operations head-first. A transient failure (transport
// error, 5xx, timeout) leaves the item at the head for the next trigger; a
// domain rejection is terminal — retrying could never succeed and must not
// block later items — so the item is dropped. Returns how many items were
// removed from the queue.
func (q *SyncQueue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.api.Online(ctx) {
		return 0, nil
	}

	flushed := 0
	for {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}

		item, ok, err := q.store.FirstQueueItem()
		if err != nil {
			return flushed, err
		}
		if !ok {
			break
		}

		result, err := q.dispatch(ctx, item)
		if err != nil {
			// Transient — leave the item at the head, retry next trigger.
			log.Printf("⚠️ Sync replay paused at item %d (%s): %v", item.ID, item.Operation, err)
			return flushed, nil
		}

		if !result.Success {
			log.Printf("Dropping queued %s (item %d): %s", item.Operation, item.ID, result.Error)
		} else if item.Operation == OpRecordConversion && result.ReferralProcessed {
			_ = q.store.UpdateStats(func(stats *LocalStats) {
				stats.ConversionsObserved++
			})
		}

		if err := q.store.DeleteQueueItem(item.ID); err != nil {
			return flushed, err
		}
		flushed++
	}

	now := time.Now().UTC()
	_ = q.store.UpdateStats(func(stats *LocalStats) {
		stats.LastSyncedAt = &now
	})
	return flushed, nil
}

func (q *SyncQueue) dispatch(ctx context.Context, item *SyncQueueItem) (*OperationResult, error) {
	switch item.Operation {
	case OpSyncReferralCode:
		return q.api.post(ctx, "/referral/sync", item.Payload)
	case OpRecordConversion:
		return q.api.post(ctx, "/referral/convert", item.Payload)
	case OpLinkAccount:
		return q.api.post(ctx, "/referral/link", item.Payload)
	default:
		// Unknown operations are unreplayable; report them as terminal so
		// they cannot wedge the queue.
		return &OperationResult{Success: false, Error: "unknown operation: " + string(item.Operation)}, nil
	}
}

// StartFlushLoop retries the queue on an interval until ctx is cancelled.
// Callers hook additional triggers (app foreground, network change) by calling
// Flush directly.
func (q *SyncQueue) StartFlushLoop(ctx context.Context, interval time.Duration) {
	log.Println("Starting sync queue flush loop...")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sync queue flush loop stopped.")
			return
		case <-ticker.C:
			flushed, err := q.Flush(ctx)
			if err != nil {
				log.Printf("❌ Error flushing sync queue: %v", err)
				continue
			}
			if flushed > 0 {
				log.Printf("✅ Replayed %d queued operation(s)", flushed)
			}
		}
	}
}

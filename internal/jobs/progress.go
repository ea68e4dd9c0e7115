package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressChannelPrefix = "bulk:progress:"

// Event は進捗通知の1件です。配信は best-effort で、取りこぼしは許容します。
type Event struct {
	JobID         string    `json:"jobId"`
	Status        Status    `json:"status"`
	TotalRows     int       `json:"totalRows"`
	ProcessedRows int       `json:"processedRows"`
	SuccessCount  int       `json:"successCount"`
	FailedCount   int       `json:"failedCount"`
	Progress      int       `json:"progress"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	At            time.Time `json:"at"`
}

// EventFrom はレコードの現在値から通知を作ります。
func EventFrom(record *Record) Event {
	return Event{
		JobID:         record.JobID,
		Status:        record.Status,
		TotalRows:     record.TotalRows,
		ProcessedRows: record.ProcessedRows,
		SuccessCount:  record.SuccessCount,
		FailedCount:   record.FailedCount,
		Progress:      record.Progress,
		ErrorMessage:  record.ErrorMessage,
		At:            record.UpdatedAt,
	}
}

// Publisher は進捗の送信先です。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber は1ジョブの進捗を購読します。返された関数で購読を終了します。
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func() error, error)
}

// RedisPublisher は Redis Pub/Sub で進捗を配信します。
type RedisPublisher struct {
	rdb    redis.UniversalClient
	logger *log.Logger
}

// NewRedisPublisher は RedisPublisher を生成します。
func NewRedisPublisher(rdb redis.UniversalClient, logger *log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisPublisher{rdb: rdb, logger: logger}
}

// Publish は JSON にした通知を bulk:progress:<jobId> へ送ります。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, progressChannel(event.JobID), payload).Err()
}

// Subscribe は購読を開始します。ctx が終了するか close を呼ぶとチャネルは閉じられます。
func (p *RedisPublisher) Subscribe(ctx context.Context, jobID string) (<-chan Event, func() error, error) {
	pubsub := p.rdb.Subscribe(ctx, progressChannel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe progress %s: %w", jobID, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Printf("progress: drop malformed event job=%s: %v", jobID, err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, pubsub.Close, nil
}

func progressChannel(jobID string) string {
	return progressChannelPrefix + jobID
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/campus-bulk/internal/bulk"
)

const (
	jobKeyPrefix     = "bulk:job:"
	allJobsKey       = "bulk:jobs:all"
	instJobsPrefix   = "bulk:jobs:inst:"
	maxUpdateRetries = 16

	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl が 0 の場合は履歴を無期限に保持します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は QUEUED のレコードと行スナップショットを保存し、履歴インデックスに登録します。
func (s *Store) Create(ctx context.Context, record *Record, rows []bulk.RawRow) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with jobID is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", record.JobID)
	}

	score := float64(record.QueuedAt.UnixMilli())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rowsKey(record.JobID), snapshot, s.ttl)
		pipe.ZAdd(ctx, allJobsKey, redis.Z{Score: score, Member: record.JobID})
		if record.InstitutionID != "" {
			pipe.ZAdd(ctx, instJobsKey(record.InstitutionID), redis.Z{Score: score, Member: record.JobID})
		}
		return nil
	})
	return err
}

// Get はジョブ情報を取得します。存在しない場合は ErrJobNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrJobNotFound)
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// LoadRows は投入時の行スナップショットを返します。
func (s *Store) LoadRows(ctx context.Context, jobID string) ([]bulk.RawRow, error) {
	data, err := s.rdb.Get(ctx, rowsKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: rows of %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	var rows []bulk.RawRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Filter は履歴検索の条件です。ゼロ値の項目は条件に含めません。
type Filter struct {
	InstitutionID string
	Type          bulk.JobType
	Status        Status
	From          time.Time
	To            time.Time
	Page          int
	Limit         int
}

// ListResult は履歴の1ページです。
type ListResult struct {
	Items []Brief `json:"items"`
	Total int     `json:"total"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
}

// List は投入日時の新しい順に履歴を返します。
func (s *Store) List(ctx context.Context, filter Filter) (*ListResult, error) {
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	index := allJobsKey
	if filter.InstitutionID != "" {
		index = instJobsKey(filter.InstitutionID)
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = fmt.Sprint(filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		rng.Max = fmt.Sprint(filter.To.UnixMilli())
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return nil, err
	}

	result := &ListResult{Items: []Brief{}, Page: page, Limit: limit}
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	offset := (page - 1) * limit
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if result.Total >= offset && len(result.Items) < limit {
			result.Items = append(result.Items, record.brief())
		}
		result.Total++
	}

	// 有効期限切れのレコードはインデックスからも外す
	if len(expired) > 0 {
		s.rdb.ZRem(ctx, index, expired...)
		if index != allJobsKey {
			s.rdb.ZRem(ctx, allJobsKey, expired...)
		}
	}
	return result, nil
}

// MarkProcessing は試行の開始を記録します。試行ごとに集計は 0 から数え直します。
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record, now time.Time) error {
		if err := record.transition(StatusProcessing); err != nil {
			return err
		}
		record.Attempts++
		record.StartedAt = &now
		record.resetCounters()
		return nil
	})
}

// UpdateProgress は処理中の集計を保存します。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, summary *bulk.Summary) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record, _ time.Time) error {
		if record.Status != StatusProcessing {
			return fmt.Errorf("%w: progress on %s job %s", ErrInvalidTransition, record.Status, jobID)
		}
		record.applySummary(summary)
		return nil
	})
}

// MarkCompleted は全行の処理完了を記録します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, summary *bulk.Summary) (*Record, error) {
	return s.finish(ctx, jobID, StatusCompleted, summary, "")
}

// MarkFailed はジョブ全体の失敗を記録します。summary が nil の場合は集計を変更しません。
func (s *Store) MarkFailed(ctx context.Context, jobID string, summary *bulk.Summary, message string) (*Record, error) {
	return s.finish(ctx, jobID, StatusFailed, summary, message)
}

// MarkCancelled は取消を記録します。
func (s *Store) MarkCancelled(ctx context.Context, jobID string, summary *bulk.Summary) (*Record, error) {
	return s.finish(ctx, jobID, StatusCancelled, summary, "")
}

func (s *Store) finish(ctx context.Context, jobID string, status Status, summary *bulk.Summary, message string) (*Record, error) {
	record, err := s.update(ctx, jobID, func(record *Record, now time.Time) error {
		if err := record.transition(status); err != nil {
			return err
		}
		record.applySummary(summary)
		if message != "" {
			record.ErrorMessage = message
		}
		record.complete(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, cancelKey(jobID))
	return record, nil
}

// RequestCancel は処理中ジョブへの取消要求を記録します。行の境目でワーカーが参照します。
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*Record, error) {
	record, err := s.update(ctx, jobID, func(record *Record, _ time.Time) error {
		if record.Status.IsTerminal() {
			return fmt.Errorf("%w: cancel on %s job %s", ErrInvalidTransition, record.Status, jobID)
		}
		record.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, cancelKey(jobID), "1", s.ttl).Err(); err != nil {
		return nil, err
	}
	return record, nil
}

// CancelRequested は取消要求の有無を返します。
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordAttemptError は再試行される失敗を記録します。状態は PROCESSING のままです。
func (s *Store) RecordAttemptError(ctx context.Context, jobID string, summary *bulk.Summary, message string) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record, _ time.Time) error {
		if record.Status != StatusProcessing {
			return fmt.Errorf("%w: attempt error on %s job %s", ErrInvalidTransition, record.Status, jobID)
		}
		record.applySummary(summary)
		record.LastError = message
		return nil
	})
}

// MarkRetried は再投入先のジョブIDを記録します。既に記録済みの場合は変更しません。
func (s *Store) MarkRetried(ctx context.Context, jobID, retriedAs string) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record, _ time.Time) error {
		if record.RetriedAs == "" {
			record.RetriedAs = retriedAs
		}
		return nil
	})
}

// update は WATCH による楽観ロックでレコードを書き換えます。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Record, time.Time) error) (*Record, error) {
	key := jobKey(jobID)
	var updated Record
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		now := s.now()
		if err := mutate(&record, now); err != nil {
			return err
		}
		record.UpdatedAt = now
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = record
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			time.Sleep(time.Duration(i+1) * 5 * time.Millisecond)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func rowsKey(id string) string {
	return jobKeyPrefix + id + ":rows"
}

func cancelKey(id string) string {
	return jobKeyPrefix + id + ":cancel"
}

func instJobsKey(institutionID string) string {
	return instJobsPrefix + institutionID
}

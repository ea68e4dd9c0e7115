package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/config"
	"github.com/yourusername/campus-bulk/internal/jobs"
	"github.com/yourusername/campus-bulk/internal/lock"
	"github.com/yourusername/campus-bulk/internal/storage"
	"github.com/yourusername/campus-bulk/internal/store"
)

// bulkJobScheduler は bulk.Service からの非同期投入を jobs.Manager へ渡します。
type bulkJobScheduler struct {
	manager *jobs.Manager
}

func (s *bulkJobScheduler) Schedule(ctx context.Context, sub *bulk.Submission) error {
	if s.manager == nil {
		return errors.New("job manager is not ready")
	}
	_, err := s.manager.Enqueue(ctx, sub)
	return err
}

type application struct {
	db      *store.DB
	redis   *redis.Client
	bulk    *bulk.Service
	manager *jobs.Manager
}

func setupApp(ctx context.Context, cfg *config.Config) (*application, error) {
	logger := log.Default()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)

	files, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	auditor := audit.NewBestEffort(audit.NewSQLRecorder(db), logger)
	scheduler := &bulkJobScheduler{}
	service := bulk.NewService(bulk.Options{
		Lookup:    db,
		Sink:      db,
		Auditor:   auditor,
		Files:     files,
		Scheduler: scheduler,
		Limits: bulk.Limits{
			MaxFileSize:      cfg.BulkMaxFileSize,
			MaxRows:          cfg.BulkMaxRows,
			SyncRowThreshold: cfg.BulkSyncRowThreshold,
		},
		Logger: logger,
	})

	// 履歴の保持期間（0 は無期限）
	historyTTL := time.Duration(cfg.JobHistoryDays) * 24 * time.Hour
	jobStore := jobs.NewStore(redisClient, historyTTL)
	publisher := jobs.NewRedisPublisher(redisClient, logger)
	worker := jobs.NewWorker(jobStore, service, jobs.WorkerOptions{
		Publisher: publisher,
		Auditor:   auditor,
		EveryRows: cfg.ProgressEveryRows,
		Interval:  time.Duration(cfg.ProgressIntervalMS) * time.Millisecond,
		Logger:    logger,
	})
	manager, err := jobs.NewManager(cfg, jobs.Options{
		Store:      jobStore,
		Worker:     worker,
		Locker:     lock.New(redisClient, time.Duration(cfg.LockTTLSeconds)*time.Second, logger),
		Subscriber: publisher,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}
	scheduler.manager = manager

	return &application{
		db:      db,
		redis:   redisClient,
		bulk:    service,
		manager: manager,
	}, nil
}

// Close はワーカー・Redis・DB の順に停止します。
func (a *application) Close(ctx context.Context) error {
	return errors.Join(
		a.manager.Shutdown(ctx),
		a.redis.Close(),
		a.db.Close(),
	)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。DB と Redis への疎通も確認します。
func (a *application) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "redis": "ok"}
	code, state := http.StatusOK, "ok"
	if err := a.db.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		code, state = http.StatusServiceUnavailable, "degraded"
	}

	c.JSON(code, gin.H{
		"status":  state,
		"service": "campus-bulk-api",
		"version": "0.1.0",
		"checks":  checks,
	})
}

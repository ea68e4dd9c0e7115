package jobs

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/campus-bulk/internal/auth"
	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/lock"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

const sseHeartbeat = 15 * time.Second

// Service はジョブ API が必要とする操作です。*Manager が実装します。
type Service interface {
	Get(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error)
	List(ctx context.Context, scope tenant.Scope, filter Filter) (*ListResult, error)
	Cancel(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error)
	Retry(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error)
	Subscribe(ctx context.Context, scope tenant.Scope, jobID string) (*Record, <-chan Event, func() error, error)
}

// RegisterRoutes は /jobs 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, svc Service) {
	rg.GET("/jobs", ListHandler(svc))
	rg.GET("/jobs/:id", GetHandler(svc))
	rg.GET("/jobs/:id/errors", ErrorReportHandler(svc))
	rg.GET("/jobs/:id/events", EventsHandler(svc))
	rg.POST("/jobs/:id/cancel", CancelHandler(svc))
	rg.POST("/jobs/:id/retry", RetryHandler(svc))
}

// ListHandler は GET /jobs のハンドラーを返します。
// クエリ: type, status, institutionId (州局のみ), from, to, page, limit
func ListHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		filter, err := bindFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		result, err := svc.List(c.Request.Context(), scope, filter)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// GetHandler は GET /jobs/:id のハンドラーを返します。
func GetHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		record, err := svc.Get(c.Request.Context(), scope, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, record.Public())
	}
}

// ErrorReportHandler はエラーレポートを CSV でダウンロードさせます。
func ErrorReportHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		record, err := svc.Get(c.Request.Context(), scope, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		data, err := errorReportCSV(record.ErrorReport)
		if err != nil {
			respondWithError(c, err)
			return
		}
		filename := record.JobID + "-errors.csv"
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
	}
}

// EventsHandler は進捗を Server-Sent Events で配信します。終端状態になると接続を閉じます。
func EventsHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		record, events, closeFn, err := svc.Subscribe(ctx, scope, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer closeFn()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent("progress", EventFrom(record))
		c.Writer.Flush()
		if record.Status.IsTerminal() {
			return
		}

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case <-heartbeat.C:
				c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
				return true
			case event, ok := <-events:
				if !ok {
					return false
				}
				c.SSEvent("progress", event)
				return !event.Status.IsTerminal()
			}
		})
	}
}

// CancelHandler は POST /jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		record, err := svc.Cancel(c.Request.Context(), scope, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":           record.JobID,
			"status":          record.Status,
			"cancelRequested": record.CancelRequested,
		})
	}
}

// RetryHandler は POST /jobs/:id/retry のハンドラーを返します。新しいジョブの ID を返します。
func RetryHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requireScope(c)
		if !ok {
			return
		}
		record, err := svc.Retry(c.Request.Context(), scope, c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   record.JobID,
			"status":  record.Status,
			"retryOf": record.RetryOf,
		})
	}
}

func requireScope(c *gin.Context) (tenant.Scope, bool) {
	scope, ok := auth.ScopeFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です。",
		})
		return tenant.Scope{}, false
	}
	return scope, true
}

func bindFilter(c *gin.Context) (Filter, error) {
	var filter Filter
	if raw := c.Query("type"); raw != "" {
		jobType, err := bulk.ParseJobType(raw)
		if err != nil {
			return filter, err
		}
		filter.Type = jobType
	}
	if raw := c.Query("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			return filter, fmt.Errorf("status には QUEUED, PROCESSING, COMPLETED, FAILED, CANCELLED のいずれかを指定してください")
		}
		filter.Status = status
	}
	filter.InstitutionID = strings.TrimSpace(c.Query("institutionId"))

	var err error
	if filter.From, err = parseTime(c.Query("from"), false); err != nil {
		return filter, fmt.Errorf("from の形式が正しくありません")
	}
	if filter.To, err = parseTime(c.Query("to"), true); err != nil {
		return filter, fmt.Errorf("to の形式が正しくありません")
	}
	if filter.Page, err = parseInt(c.Query("page")); err != nil {
		return filter, fmt.Errorf("page は数値で指定してください")
	}
	if filter.Limit, err = parseInt(c.Query("limit")); err != nil {
		return filter, fmt.Errorf("limit は数値で指定してください")
	}
	return filter, nil
}

// parseTime は RFC3339 か YYYY-MM-DD を受け付けます。endOfDay なら日付のみの指定をその日の終わりに合わせます。
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func parseInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

func errorReportCSV(report []bulk.RowError) ([]byte, error) {
	var sb strings.Builder
	// Excel で文字化けしないよう BOM を付ける
	sb.WriteString("\ufeff")
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{"Row", "Code", "Field", "Message", "Values"}); err != nil {
		return nil, err
	}
	for _, entry := range report {
		if err := w.Write([]string{
			strconv.Itoa(entry.Row),
			entry.Code,
			entry.Field,
			entry.Message,
			formatValues(entry.Values),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func formatValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values[k])
	}
	return strings.Join(parts, "; ")
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_RETRYABLE",
			"message": "失敗または取り消されたジョブのみ再実行できます。",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "INVALID_STATE",
			"message": "現在のジョブの状態ではこの操作を実行できません。",
		})
	case errors.Is(err, lock.ErrNotAcquired):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "RETRY_IN_PROGRESS",
			"message": "再実行を処理中です。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, tenant.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "この操作を行う権限がありません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		var apiErr *bulk.Error
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    apiErr.Code,
				"message": apiErr.Message,
			})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/campus-bulk/internal/auth"
)

// UploadService はアップロードと事前検証を提供します。
type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	DryRun(ctx context.Context, req UploadRequest) (*Summary, error)
}

// UploadHandler は POST /api/bulk/upload のハンドラーを返します。
// 同期処理なら 200 で集計を、非同期なら 202 で jobId を返します。
func UploadHandler(svc UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindUpload(c)
		if !ok {
			return
		}

		result, err := svc.Upload(c.Request.Context(), req)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if result.Async {
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":  result.JobID,
				"status": result.Status,
			})
			return
		}
		c.JSON(http.StatusOK, result.Summary)
	}
}

// ValidateHandler は POST /api/bulk/validate のハンドラーを返します。
func ValidateHandler(svc UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindUpload(c)
		if !ok {
			return
		}

		summary, err := svc.DryRun(c.Request.Context(), req)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// TemplateHandler は GET /api/bulk/template のハンドラーを返します。
func TemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobType, err := ParseJobType(c.Query("type"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		format := Format(strings.ToLower(c.DefaultQuery("format", string(FormatXLSX))))

		tmpl, err := TemplateFile(jobType, format)
		if err != nil {
			respondWithError(c, err)
			return
		}

		encodedName := url.PathEscape(tmpl.FileName)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", tmpl.FileName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, tmpl.ContentType, tmpl.Data)
	}
}

func bindUpload(c *gin.Context) (UploadRequest, bool) {
	scope, ok := auth.ScopeFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return UploadRequest{}, false
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "multipart/form-data でファイルを送信してください。",
		})
		return UploadRequest{}, false
	}
	defer form.RemoveAll()

	files := form.File["file"]
	if len(files) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "file フィールドにファイルを1つ指定してください。",
		})
		return UploadRequest{}, false
	}

	jobType, err := ParseJobType(c.PostForm("type"))
	if err != nil {
		respondWithError(c, err)
		return UploadRequest{}, false
	}
	mode, err := ParseMode(c.PostForm("mode"))
	if err != nil {
		respondWithError(c, err)
		return UploadRequest{}, false
	}
	async, err := parseAsync(c.PostForm("async"))
	if err != nil {
		respondWithError(c, err)
		return UploadRequest{}, false
	}

	data, err := readFile(files[0])
	if err != nil {
		respondWithError(c, err)
		return UploadRequest{}, false
	}

	return UploadRequest{
		Scope:         scope,
		Type:          jobType,
		Mode:          mode,
		Async:         async,
		InstitutionID: c.PostForm("institutionId"),
		FileName:      files[0].Filename,
		Data:          data,
	}, true
}

func parseAsync(raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "auto") {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newError(CodeInvalidInput, "async には true / false / auto を指定してください。", err)
	}
	return &v, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, newError(CodeInvalidInput, "アップロードされたファイルを開けませんでした。", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, newError(CodeInvalidInput, "アップロードされたファイルを読み込めませんでした。", err)
	}
	return data, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusFor(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusFor(code string) int {
	switch code {
	case CodeLimitExceeded, CodeRowLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInstitutionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

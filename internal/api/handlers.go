package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/avifpress/avifpress/internal/cache"
	"github.com/avifpress/avifpress/internal/convert"
	"github.com/avifpress/avifpress/internal/supervisor"
	"github.com/avifpress/avifpress/pkg/config"
	apperrors "github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/logging"
)

// ConversionService is the job-processing surface the handlers depend on
type ConversionService interface {
	Process(ctx context.Context, payload interface{}) (interface{}, error)
	Status() supervisor.Status
}

// EncoderChecker probes the encoder binary
type EncoderChecker interface {
	CheckEncoder(ctx context.Context) error
}

// ResultCache is the result cache surface the handlers depend on
type ResultCache interface {
	GetResult(ctx context.Context, key string) (*convert.Result, error)
	SetResult(ctx context.Context, key string, result *convert.Result) error
}

// Handler holds the HTTP handlers for the conversion API
type Handler struct {
	config  *config.Config
	service ConversionService
	checker EncoderChecker
	cache   ResultCache
	logger  *logging.Logger
}

// NewHandler creates a new API handler. The cache may be nil when Redis is
// disabled.
func NewHandler(cfg *config.Config, service ConversionService, checker EncoderChecker, resultCache ResultCache) *Handler {
	return &Handler{
		config:  cfg,
		service: service,
		checker: checker,
		cache:   resultCache,
		logger:  logging.GetLogger(),
	}
}

// Convert handles POST /convert. It accepts a multipart upload in the
// "image" field, JPEG or HEIC only, and answers with the AVIF rendition.
func (h *Handler) Convert(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.Server.MaxUploadMB<<20)

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		BadRequestResponse(c, "multipart field 'image' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		BadRequestResponse(c, "failed to read uploaded file")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if !convert.SupportedMimeType(mimeType) {
		BadRequestResponse(c, fmt.Sprintf(
			"unsupported media type: %s (only image/jpeg and image/heic are accepted)", mimeType))
		return
	}

	ctx := c.Request.Context()
	key := cache.ResultKey(data, mimeType, h.config.Convert.Quality, h.config.Convert.Speed)

	if h.cache != nil {
		cached, err := h.cache.GetResult(ctx, key)
		if err != nil {
			h.logger.Warn("Result cache lookup failed", "error", err.Error())
		} else if cached != nil {
			c.JSON(http.StatusOK, buildConvertResponse(cached, true))
			return
		}
	}

	result, err := h.service.Process(ctx, &convert.Request{
		Filename: header.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	converted, ok := result.(*convert.Result)
	if !ok {
		ErrorResponseFromError(c, apperrors.NewInternalError("unexpected job result type"))
		return
	}

	if h.cache != nil {
		if err := h.cache.SetResult(ctx, key, converted); err != nil {
			h.logger.Warn("Failed to cache conversion result", "error", err.Error())
		}
	}

	c.JSON(http.StatusOK, buildConvertResponse(converted, false))
}

// Health handles GET /health. It reports unhealthy when the supervisor has
// seen too many consecutive probe failures, when the encoder binary is
// missing, or during shutdown.
func (h *Handler) Health(c *gin.Context) {
	status := h.service.Status()

	encoderStatus := "ok"
	var encoderErr error
	if h.checker != nil {
		encoderErr = h.checker.CheckEncoder(c.Request.Context())
		if encoderErr != nil {
			encoderStatus = encoderErr.Error()
		}
	}

	healthy := status.Healthy && encoderErr == nil && !status.ShuttingDown

	statusCode := http.StatusOK
	state := "healthy"
	if !healthy {
		statusCode = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.JSON(statusCode, gin.H{
		"status":        state,
		"encoder":       encoderStatus,
		"degraded":      status.Degraded,
		"breaker_state": status.Breaker.State,
		"pool_workers":  status.Pool.TotalWorkers,
		"memoryMB":      float64(ms.Alloc) / (1024 * 1024),
		"uptime_sec":    status.UptimeSec,
	})
}

// Status handles GET /status with the full system snapshot
func (h *Handler) Status(c *gin.Context) {
	SuccessResponse(c, h.service.Status())
}

func buildConvertResponse(result *convert.Result, cached bool) ConvertResponse {
	return ConvertResponse{
		Success:  true,
		Cached:   cached,
		Degraded: result.Degraded,
		Metrics:  result.Metrics,
		Data: ConvertData{
			FullSize: FileData{
				Filename: result.Filename,
				Content:  base64.StdEncoding.EncodeToString(result.Data),
				Size:     result.Size,
				MimeType: result.MimeType,
				Variant:  result.Variant,
			},
		},
	}
}

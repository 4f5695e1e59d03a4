package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avifpress/avifpress/internal/cache"
	"github.com/avifpress/avifpress/internal/convert"
	"github.com/avifpress/avifpress/internal/supervisor"
	"github.com/avifpress/avifpress/pkg/config"
	apperrors "github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/resilience"
)

type stubService struct {
	result      interface{}
	err         error
	status      supervisor.Status
	processed   int
	lastPayload interface{}
}

func (s *stubService) Process(ctx context.Context, payload interface{}) (interface{}, error) {
	s.processed++
	s.lastPayload = payload
	return s.result, s.err
}

func (s *stubService) Status() supervisor.Status {
	return s.status
}

type stubChecker struct {
	err error
}

func (s *stubChecker) CheckEncoder(ctx context.Context) error {
	return s.err
}

type stubCache struct {
	store  map[string]*convert.Result
	getErr error
	sets   int
}

func (s *stubCache) GetResult(ctx context.Context, key string) (*convert.Result, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.store[key], nil
}

func (s *stubCache) SetResult(ctx context.Context, key string, result *convert.Result) error {
	s.sets++
	if s.store == nil {
		s.store = make(map[string]*convert.Result)
	}
	s.store[key] = result
	return nil
}

func testAPIConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			MaxUploadMB: 10,
		},
		Convert: config.ConvertConfig{
			Quality: 60,
			Speed:   6,
		},
		Logging: config.LoggingConfig{
			Level: "info",
		},
	}
}

func newTestRouter(cfg *config.Config, service ConversionService, checker EncoderChecker, resultCache ResultCache) http.Handler {
	handler := NewHandler(cfg, service, checker, resultCache)
	return NewRouter(cfg, handler, nil, nil)
}

func multipartUpload(t *testing.T, field, filename, mimeType string, data []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func healthyStatus() supervisor.Status {
	return supervisor.Status{
		Healthy: true,
		Breaker: resilience.Snapshot{Name: "jobs", State: "CLOSED"},
	}
}

func TestConvert_Success(t *testing.T) {
	avif := []byte{0x00, 0x00, 0x00, 0x1c}
	service := &stubService{
		result: &convert.Result{
			Filename: "photo.avif",
			Data:     avif,
			Size:     len(avif),
			MimeType: convert.MimeTypeAVIF,
			Variant:  "full",
			Metrics:  convert.Metrics{ConversionTimeSec: 0.8},
		},
		status: healthyStatus(),
	}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartUpload(t, "image", "photo.jpg", "image/jpeg", []byte("jpeg-bytes")))

	require.Equal(t, http.StatusOK, w.Code)

	var resp ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "photo.avif", resp.Data.FullSize.Filename)
	assert.Equal(t, convert.MimeTypeAVIF, resp.Data.FullSize.MimeType)
	assert.Equal(t, "full", resp.Data.FullSize.Variant)
	assert.Equal(t, len(avif), resp.Data.FullSize.Size)

	decoded, err := base64.StdEncoding.DecodeString(resp.Data.FullSize.Content)
	require.NoError(t, err)
	assert.Equal(t, avif, decoded)

	req, ok := service.lastPayload.(*convert.Request)
	require.True(t, ok)
	assert.Equal(t, "photo.jpg", req.Filename)
	assert.Equal(t, "image/jpeg", req.MimeType)
	assert.Equal(t, []byte("jpeg-bytes"), req.Data)
}

func TestConvert_UnsupportedMediaType(t *testing.T) {
	service := &stubService{status: healthyStatus()}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartUpload(t, "image", "anim.png", "image/png", []byte("png")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported media type")
	assert.Equal(t, 0, service.processed)
}

func TestConvert_MissingImageField(t *testing.T) {
	service := &stubService{status: healthyStatus()}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartUpload(t, "file", "photo.jpg", "image/jpeg", []byte("jpeg")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "image")
}

func TestConvert_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "breaker open",
			err:        &resilience.CircuitBreakerError{Name: "jobs", State: resilience.StateOpen},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "CIRCUIT_OPEN",
		},
		{
			name:       "acquisition timeout",
			err:        apperrors.NewAcquisitionTimeoutError(30 * time.Second),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "WORKER_ACQUISITION_TIMEOUT",
		},
		{
			name:       "execution timeout",
			err:        apperrors.NewExecutionTimeoutError("worker-1", 120*time.Second),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "WORKER_EXECUTION_TIMEOUT",
		},
		{
			name:       "shutdown",
			err:        apperrors.NewShutdownError(),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SHUTTING_DOWN",
		},
		{
			name:       "job failure",
			err:        apperrors.NewJobFailureError("encoder exited with status 1"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "JOB_FAILED",
		},
		{
			name:       "worker fault",
			err:        apperrors.NewWorkerFaultError("worker-1", "worker exited during job execution"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "WORKER_FAULT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &stubService{err: tt.err, status: healthyStatus()}
			router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, multipartUpload(t, "image", "photo.jpg", "image/jpeg", []byte("jpeg")))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantCode)
		})
	}
}

func TestConvert_CacheHit(t *testing.T) {
	cfg := testAPIConfig()
	input := []byte("jpeg-bytes")
	key := cache.ResultKey(input, "image/jpeg", cfg.Convert.Quality, cfg.Convert.Speed)

	resultCache := &stubCache{
		store: map[string]*convert.Result{
			key: {
				Filename: "photo.avif",
				Data:     []byte{0x01},
				Size:     1,
				MimeType: convert.MimeTypeAVIF,
				Variant:  "full",
			},
		},
	}

	service := &stubService{status: healthyStatus()}
	router := newTestRouter(cfg, service, &stubChecker{}, resultCache)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartUpload(t, "image", "photo.jpg", "image/jpeg", input))

	require.Equal(t, http.StatusOK, w.Code)

	var resp ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)

	// The pool never saw the request.
	assert.Equal(t, 0, service.processed)
}

func TestConvert_CacheMissStoresResult(t *testing.T) {
	resultCache := &stubCache{}
	service := &stubService{
		result: &convert.Result{
			Filename: "photo.avif",
			Data:     []byte{0x01},
			Size:     1,
			MimeType: convert.MimeTypeAVIF,
			Variant:  "full",
		},
		status: healthyStatus(),
	}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, resultCache)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartUpload(t, "image", "photo.jpg", "image/jpeg", []byte("jpeg")))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, service.processed)
	assert.Equal(t, 1, resultCache.sets)
}

func TestHealth_Healthy(t *testing.T) {
	service := &stubService{status: healthyStatus()}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"encoder":"ok"`)
}

func TestHealth_UnhealthyWhenEncoderMissing(t *testing.T) {
	service := &stubService{status: healthyStatus()}
	checker := &stubChecker{err: fmt.Errorf("avifenc is not available")}
	router := newTestRouter(testAPIConfig(), service, checker, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
}

func TestHealth_UnhealthyAfterProbeFailures(t *testing.T) {
	status := healthyStatus()
	status.Healthy = false
	status.CheckFailures = 4
	service := &stubService{status: status}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus(t *testing.T) {
	status := healthyStatus()
	status.Degraded = true
	service := &stubService{status: status}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded":true`)
	assert.Contains(t, w.Body.String(), `"CLOSED"`)
}

func TestNoRoute(t *testing.T) {
	service := &stubService{status: healthyStatus()}
	router := newTestRouter(testAPIConfig(), service, &stubChecker{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

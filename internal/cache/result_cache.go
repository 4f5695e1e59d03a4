package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/avifpress/avifpress/internal/convert"
)

const resultKeyPrefix = "avifpress:result:"

// cachedResult is the stored representation of a conversion result. The
// AVIF payload rides along as a JSON base64 string.
type cachedResult struct {
	Filename string          `json:"filename"`
	Data     []byte          `json:"data"`
	Size     int             `json:"size"`
	MimeType string          `json:"mimetype"`
	Variant  string          `json:"variant"`
	Metrics  convert.Metrics `json:"metrics"`
}

// ResultKey derives the content-addressed cache key for an input image and
// encoder settings. The same bytes encoded with the same settings always
// map to the same key.
func ResultKey(data []byte, mimeType string, quality, speed int) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(mimeType))
	h.Write([]byte(strconv.Itoa(quality)))
	h.Write([]byte(strconv.Itoa(speed)))
	return hex.EncodeToString(h.Sum(nil))
}

// GetResult looks up a cached conversion result. A miss returns (nil, nil).
func (s *Service) GetResult(ctx context.Context, key string) (*convert.Result, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if err == redis.Nil {
		s.recordOperation("get", "miss")
		return nil, nil
	}
	if err != nil {
		s.recordOperation("get", "error")
		return nil, fmt.Errorf("failed to read cached result: %w", err)
	}

	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		s.recordOperation("get", "error")
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}

	s.recordOperation("get", "hit")
	s.logger.Debug("Result cache hit", "key", key, "size", cached.Size)

	return &convert.Result{
		Filename: cached.Filename,
		Data:     cached.Data,
		Size:     cached.Size,
		MimeType: cached.MimeType,
		Variant:  cached.Variant,
		Metrics:  cached.Metrics,
	}, nil
}

// SetResult stores a conversion result. Degraded results are skipped so a
// recovered system never serves reduced-quality output from cache.
func (s *Service) SetResult(ctx context.Context, key string, result *convert.Result) error {
	if result.Degraded {
		s.recordOperation("set", "skipped_degraded")
		return nil
	}

	data, err := json.Marshal(cachedResult{
		Filename: result.Filename,
		Data:     result.Data,
		Size:     result.Size,
		MimeType: result.MimeType,
		Variant:  result.Variant,
		Metrics:  result.Metrics,
	})
	if err != nil {
		s.recordOperation("set", "error")
		return fmt.Errorf("failed to encode result for cache: %w", err)
	}

	if err := s.client.Set(ctx, resultKeyPrefix+key, data, s.config.TTL).Err(); err != nil {
		s.recordOperation("set", "error")
		return fmt.Errorf("failed to store result in cache: %w", err)
	}

	s.recordOperation("set", "ok")
	return nil
}

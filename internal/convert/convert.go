package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/avifpress/avifpress/internal/pool"
	"github.com/avifpress/avifpress/pkg/config"
	apperrors "github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/logging"
)

const (
	// MimeTypeJPEG is the JPEG media type
	MimeTypeJPEG = "image/jpeg"
	// MimeTypeHEIC is the HEIC media type
	MimeTypeHEIC = "image/heic"
	// MimeTypeAVIF is the AVIF media type
	MimeTypeAVIF = "image/avif"

	encoderProbeTimeout = 5 * time.Second
)

// Request describes one image to convert
type Request struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Data     []byte `json:"-"`
}

// Metrics captures resource usage of a single conversion
type Metrics struct {
	MemoryBeforeMB    float64 `json:"memoryBeforeMB"`
	MemoryAfterMB     float64 `json:"memoryAfterMB"`
	PeakMemoryMB      float64 `json:"peakMemoryMB"`
	ConversionTimeSec float64 `json:"conversionTimeSec"`
}

// Result is the outcome of a conversion
type Result struct {
	Filename string  `json:"filename"`
	Data     []byte  `json:"-"`
	Size     int     `json:"size"`
	MimeType string  `json:"mimetype"`
	Variant  string  `json:"variant"`
	Degraded bool    `json:"degraded"`
	Metrics  Metrics `json:"metrics"`
}

// Converter turns JPEG and HEIC images into AVIF by shelling out to
// avifenc. HEIC input goes through heif-convert first because avifenc
// cannot read it directly. In degraded mode the encoder runs with lower
// quality and a faster speed preset.
type Converter struct {
	config *config.ConvertConfig
	logger *logging.Logger
}

// NewConverter creates a new converter
func NewConverter(cfg *config.ConvertConfig) *Converter {
	return &Converter{
		config: cfg,
		logger: logging.GetLogger(),
	}
}

// SupportedMimeType reports whether the given media type can be converted
func SupportedMimeType(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case MimeTypeJPEG, MimeTypeHEIC:
		return true
	default:
		return false
	}
}

// JobFunc adapts the converter to the worker pool
func (c *Converter) JobFunc() pool.JobFunc {
	return func(ctx context.Context, job *pool.Job) (interface{}, error) {
		req, ok := job.Payload.(*Request)
		if !ok {
			return nil, apperrors.NewValidationError("unsupported job payload")
		}
		return c.Convert(ctx, req, job.Degraded)
	}
}

// Convert converts a single image to AVIF
func (c *Converter) Convert(ctx context.Context, req *Request, degraded bool) (*Result, error) {
	if !SupportedMimeType(req.MimeType) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unsupported media type: %s (only image/jpeg and image/heic are accepted)", req.MimeType))
	}
	if len(req.Data) == 0 {
		return nil, apperrors.NewValidationError("empty image data")
	}

	start := time.Now()
	memBefore := allocMB()

	workDir, err := os.MkdirTemp(c.config.TempDir, "avifpress-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input"+inputExt(req.MimeType))
	if err := os.WriteFile(inputPath, req.Data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}

	// HEIC cannot be fed to avifenc directly; decode to an intermediate
	// JPEG first.
	if strings.EqualFold(req.MimeType, MimeTypeHEIC) {
		intermediate := filepath.Join(workDir, "intermediate.jpg")
		if err := c.runEncoder(ctx, c.config.HeifConvertPath, inputPath, intermediate); err != nil {
			return nil, err
		}
		inputPath = intermediate
	}

	outputPath := filepath.Join(workDir, "output.avif")
	args := c.avifencArgs(inputPath, outputPath, degraded)
	if err := c.runEncoder(ctx, c.config.AvifencPath, args...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder output: %w", err)
	}

	memAfter := allocMB()
	elapsed := time.Since(start)

	c.logger.Info("Image converted",
		"filename", req.Filename,
		"input_bytes", len(req.Data),
		"output_bytes", len(data),
		"degraded", degraded,
		"duration", elapsed.String(),
	)

	return &Result{
		Filename: OutputFilename(req.Filename),
		Data:     data,
		Size:     len(data),
		MimeType: MimeTypeAVIF,
		Variant:  "full",
		Degraded: degraded,
		Metrics: Metrics{
			MemoryBeforeMB:    memBefore,
			MemoryAfterMB:     memAfter,
			PeakMemoryMB:      sysMB(),
			ConversionTimeSec: elapsed.Seconds(),
		},
	}, nil
}

// CheckEncoder probes the avifenc binary
func (c *Converter) CheckEncoder(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.config.AvifencPath, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("avifenc is not available: %w", err)
	}

	c.logger.Debug("Encoder probe succeeded", "version", firstLine(string(output)))
	return nil
}

// OutputFilename derives the AVIF filename from the input filename
func OutputFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "image"
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ".avif"
}

// avifencArgs builds the encoder command line. Degraded mode trades
// quality for speed so an unhealthy system keeps answering.
func (c *Converter) avifencArgs(inputPath, outputPath string, degraded bool) []string {
	quality := c.config.Quality
	speed := c.config.Speed
	if degraded {
		quality = c.config.DegradedQuality
		speed = c.config.DegradedSpeed
	}

	return []string{
		"-q", strconv.Itoa(quality),
		"-s", strconv.Itoa(speed),
		"--jobs", "all",
		inputPath,
		outputPath,
	}
}

func (c *Converter) runEncoder(ctx context.Context, binary string, args ...string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", filepath.Base(binary), err, truncate(string(output), 512))
	}
	return nil
}

func inputExt(mimeType string) string {
	if strings.EqualFold(mimeType, MimeTypeHEIC) {
		return ".heic"
	}
	return ".jpg"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func allocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Alloc) / (1024 * 1024)
}

func sysMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}

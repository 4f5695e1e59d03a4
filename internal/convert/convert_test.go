package convert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avifpress/avifpress/internal/pool"
	"github.com/avifpress/avifpress/pkg/config"
	apperrors "github.com/avifpress/avifpress/pkg/errors"
)

func testConvertConfig() *config.ConvertConfig {
	return &config.ConvertConfig{
		AvifencPath:     "avifenc",
		HeifConvertPath: "heif-convert",
		Quality:         60,
		Speed:           6,
		DegradedQuality: 40,
		DegradedSpeed:   9,
		TempDir:         "",
	}
}

func TestSupportedMimeType(t *testing.T) {
	assert.True(t, SupportedMimeType("image/jpeg"))
	assert.True(t, SupportedMimeType("image/heic"))
	assert.True(t, SupportedMimeType("IMAGE/JPEG"))

	assert.False(t, SupportedMimeType("image/png"))
	assert.False(t, SupportedMimeType("image/webp"))
	assert.False(t, SupportedMimeType("application/pdf"))
	assert.False(t, SupportedMimeType(""))
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "photo.avif", OutputFilename("photo.jpg"))
	assert.Equal(t, "photo.avif", OutputFilename("photo.HEIC"))
	assert.Equal(t, "archive.tar.avif", OutputFilename("archive.tar.gz"))
	assert.Equal(t, "noext.avif", OutputFilename("noext"))
	assert.Equal(t, "photo.avif", OutputFilename("/uploads/nested/photo.jpg"))
	assert.Equal(t, "image.avif", OutputFilename(""))
}

func TestConverter_AvifencArgs(t *testing.T) {
	c := NewConverter(testConvertConfig())

	args := c.avifencArgs("/tmp/in.jpg", "/tmp/out.avif", false)
	assert.Equal(t, []string{"-q", "60", "-s", "6", "--jobs", "all", "/tmp/in.jpg", "/tmp/out.avif"}, args)

	degradedArgs := c.avifencArgs("/tmp/in.jpg", "/tmp/out.avif", true)
	assert.Equal(t, []string{"-q", "40", "-s", "9", "--jobs", "all", "/tmp/in.jpg", "/tmp/out.avif"}, degradedArgs)
}

func TestConverter_RejectsUnsupportedMimeType(t *testing.T) {
	c := NewConverter(testConvertConfig())

	_, err := c.Convert(context.Background(), &Request{
		Filename: "doc.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 0x50},
	}, false)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "unsupported media type")
}

func TestConverter_RejectsEmptyData(t *testing.T) {
	c := NewConverter(testConvertConfig())

	_, err := c.Convert(context.Background(), &Request{
		Filename: "photo.jpg",
		MimeType: "image/jpeg",
	}, false)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestConverter_MissingEncoderFails(t *testing.T) {
	cfg := testConvertConfig()
	cfg.AvifencPath = "definitely-not-a-real-encoder"
	c := NewConverter(cfg)

	_, err := c.Convert(context.Background(), &Request{
		Filename: "photo.jpg",
		MimeType: "image/jpeg",
		Data:     []byte{0xff, 0xd8, 0xff},
	}, false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-encoder")
}

func TestConverter_CheckEncoderMissingBinary(t *testing.T) {
	cfg := testConvertConfig()
	cfg.AvifencPath = "definitely-not-a-real-encoder"
	c := NewConverter(cfg)

	err := c.CheckEncoder(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "avifenc is not available")
}

func TestConverter_JobFuncRejectsForeignPayload(t *testing.T) {
	c := NewConverter(testConvertConfig())
	fn := c.JobFunc()

	_, err := fn(context.Background(), &pool.Job{ID: "j-1", Payload: "not a request"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

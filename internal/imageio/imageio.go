package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// ErrDecode is wrapped by every decoding failure.
var ErrDecode = errors.New("image decode failed")

// Supported output formats.
const (
	PNG  = "png"
	JPEG = "jpeg"
	WebP = "webp"
)

// Decode reads an image, honoring EXIF orientation, with a WebP fallback.
// It also returns the sniffed MIME type of the input.
func Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return DecodeBytes(data)
}

// DecodeBytes is Decode for an in-memory payload.
func DecodeBytes(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}
	mime := Sniff(data)

	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, mime, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, mime, nil
	}
	return nil, mime, fmt.Errorf("%w: unsupported or corrupt %s data", ErrDecode, mime)
}

// Load decodes the image stored at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Sniff returns the MIME type detected from the leading bytes of data.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsImage reports whether data looks like an image payload.
func IsImage(data []byte) bool {
	return strings.HasPrefix(Sniff(data), "image/")
}

// ParseFormat normalizes an output format name.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	}
	return "", fmt.Errorf("unsupported output format %q (use png, jpeg or webp)", s)
}

// FormatFromPath derives the output format from a file extension.
func FormatFromPath(path string) (string, error) {
	return ParseFormat(filepath.Ext(path))
}

// Extension returns the file extension, dot included, for a format.
func Extension(format string) string {
	if format == JPEG {
		return ".jpg"
	}
	return "." + format
}

// ContentType returns the MIME type written for a format.
func ContentType(format string) string {
	return "image/" + format
}

// Encode writes img in the given format. quality applies to JPEG and WebP;
// WebP switches to lossless at 100.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case PNG:
		return imaging.Encode(w, img, imaging.PNG)
	case JPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case WebP:
		return webp.Encode(w, img, &webp.Options{Lossless: quality >= 100, Quality: float32(quality)})
	}
	return fmt.Errorf("unsupported output format %q", format)
}

// Save encodes img into path, creating parent directories as needed.
func Save(path string, img image.Image, format string, quality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, img, format, quality); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// OutputPath names the result file after the input and the effect applied,
// e.g. photos/team.jpg with eyeCover -> out/team-eyeCover.png.
func OutputPath(input, outDir, effect, format string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	return filepath.Join(outDir, stem+"-"+effect+Extension(format))
}

// Package vis - Best-effort diagnostic rendering of augmented samples.
package vis

import (
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Format is the encoding of saved diagnostic images.
type Format string

const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG Format = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG Format = "png"
	// FormatWebP is the WebP image format.
	FormatWebP Format = "webp"
	// FormatOpenCV writes JPEG files through OpenCV's own codecs.
	FormatOpenCV Format = "opencv"
)

// Ext returns the file extension of the format.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}

// ParseFormat validates a format name. The empty string selects JPEG.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJPEG:
		return FormatJPEG, nil
	case FormatPNG, FormatWebP, FormatOpenCV:
		return Format(s), nil
	default:
		return "", errors.Errorf("unsupported image format: %q", s)
	}
}

// Sink stores a rendered image under a base name (without extension). The
// sink must not retain mat after Save returns.
type Sink interface {
	Save(name string, mat gocv.Mat) error
}

// DirSink encodes images into a directory.
type DirSink struct {
	Dir    string
	Format Format
	// Quality is the lossy encoding quality, 90 when zero.
	Quality int
}

// NewDirSink creates the directory and returns a sink writing into it.
//
// Arguments:
//   - dir: The output directory, created when missing.
//   - format: The encoding of saved files.
//
// Returns:
//   - *DirSink: The sink.
//   - error: An error if the directory cannot be created.
func NewDirSink(dir string, format Format) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating visualization directory %s", dir)
	}
	return &DirSink{Dir: dir, Format: format}, nil
}

// Save encodes mat to Dir/name with the extension of the sink format.
func (s *DirSink) Save(name string, mat gocv.Mat) error {
	img, err := mat.ToImage()
	if err != nil {
		return errors.Wrap(err, "converting mat to image")
	}
	path := filepath.Join(s.Dir, name+s.Format.Ext())
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}

	quality := s.Quality
	if quality <= 0 {
		quality = 90
	}
	switch s.Format {
	case FormatPNG:
		err = png.Encode(f, img)
	case FormatWebP:
		err = webp.Encode(f, img, &webp.Options{Quality: float32(quality)})
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "encoding %s", path)
}

// MatSink writes images through OpenCV, which picks the codec from the extension.
type MatSink struct {
	Dir string
	// Ext is the file extension, ".jpg" when empty.
	Ext string
}

// NewMatSink creates the directory and returns an OpenCV sink writing into it.
func NewMatSink(dir, ext string) (*MatSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating visualization directory %s", dir)
	}
	return &MatSink{Dir: dir, Ext: ext}, nil
}

// Save writes mat with gocv.IMWrite.
func (s *MatSink) Save(name string, mat gocv.Mat) error {
	ext := s.Ext
	if ext == "" {
		ext = ".jpg"
	}
	path := filepath.Join(s.Dir, name+ext)
	if !gocv.IMWrite(path, mat) {
		return errors.Errorf("opencv failed to write %s", path)
	}
	return nil
}

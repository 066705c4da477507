package loader

import (
	"bufio"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chai2010/webp"
	"github.com/nvr-ai/go-detbatch/batch"
	"github.com/nvr-ai/go-detbatch/common"
	"github.com/nvr-ai/go-detbatch/images"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ImageFile is one image of a folder dataset and its optional label file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Labels is the path of the YOLO label file, empty when there is none.
	Labels string
}

// FolderDataset reads images and YOLO style labels from a directory.
//
// Every image is resized to Size x Size. A label file shares the image stem with
// a .txt extension and holds one "class cx cy w h" line per box, in normalized
// coordinates. Images without a label file have no boxes.
type FolderDataset struct {
	Files []ImageFile
	Size  int

	epoch  atomic.Int64
	logger *zap.Logger
}

// NewFolderDataset lists the images of dir.
//
// Arguments:
//   - dir: Directory containing .jpg, .jpeg, .png and .webp files.
//   - size: The common square size of the samples.
//   - logger: The logger, a no-op logger when nil.
//
// Returns:
//   - *FolderDataset: The dataset, files sorted by name.
//   - error: Error if the directory cannot be read or holds no images.
func NewFolderDataset(dir string, size int, logger *zap.Logger) (*FolderDataset, error) {
	if size <= 0 {
		return nil, common.InvalidConfigf("invalid sample size %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset directory %s", dir)
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".webp":
			f := ImageFile{Path: filepath.Join(dir, entry.Name())}
			labels := strings.TrimSuffix(f.Path, filepath.Ext(f.Path)) + ".txt"
			if _, err := os.Stat(labels); err == nil {
				f.Labels = labels
			}
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	d := &FolderDataset{Files: files, Size: size, logger: logger}
	d.epoch.Store(-1)
	logger.Info("folder dataset", zap.String("dir", dir), zap.Int("images", len(files)), zap.Int("size", size))
	return d, nil
}

// Len returns the number of images.
func (d *FolderDataset) Len() int {
	return len(d.Files)
}

// SetEpoch records the epoch.
func (d *FolderDataset) SetEpoch(epoch int) {
	d.epoch.Store(int64(epoch))
	d.logger.Debug("dataset epoch", zap.Int("epoch", epoch))
}

// Epoch returns the last epoch set, -1 initially.
func (d *FolderDataset) Epoch() int {
	return int(d.epoch.Load())
}

// Get decodes image i and its labels.
func (d *FolderDataset) Get(i int) (batch.Sample, error) {
	if i < 0 || i >= len(d.Files) {
		return batch.Sample{}, errors.Errorf("index %d out of range [0, %d)", i, len(d.Files))
	}
	f := d.Files[i]

	img, err := decode(f.Path)
	if err != nil {
		return batch.Sample{}, err
	}
	chw, err := images.ToCHW(img, d.Size)
	if err != nil {
		return batch.Sample{}, errors.Wrapf(err, "converting %s", f.Path)
	}

	target := batch.Target{Boxes: []common.Box{}, Labels: []int64{}, Area: []float32{}}
	if f.Labels != "" {
		if target, err = readLabels(f.Labels, d.Size); err != nil {
			return batch.Sample{}, err
		}
	}
	return batch.Sample{Image: chw, Target: target}, nil
}

func decode(path string) (image.Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer r.Close()

	var img image.Image
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		img, err = webp.Decode(r)
	} else {
		img, _, err = image.Decode(r)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// readLabels parses a YOLO label file; area is measured in pixels of a size x
// size image.
func readLabels(path string, size int) (batch.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return batch.Target{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	t := batch.Target{Boxes: []common.Box{}, Labels: []int64{}, Area: []float32{}}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return batch.Target{}, errors.Errorf("%s:%d: expected 5 fields, got %d", path, line, len(fields))
		}
		label, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return batch.Target{}, errors.Wrapf(err, "%s:%d: class", path, line)
		}
		var box common.Box
		for k := 0; k < 4; k++ {
			v, err := strconv.ParseFloat(fields[k+1], 32)
			if err != nil {
				return batch.Target{}, errors.Wrapf(err, "%s:%d: coordinate %d", path, line, k)
			}
			box[k] = float32(v)
		}
		t.Boxes = append(t.Boxes, box)
		t.Labels = append(t.Labels, label)
		t.Area = append(t.Area, box.PixelArea(size, size))
	}
	if err := scanner.Err(); err != nil {
		return batch.Target{}, errors.Wrapf(err, "reading %s", path)
	}
	return t, nil
}

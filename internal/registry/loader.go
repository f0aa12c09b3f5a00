// Package registry discovers GGUF weights and their vision projectors on disk.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vlmd/internal/common/fsutil"
)

// ErrNoWeights is returned when a path holds no usable model file.
var ErrNoWeights = errors.New("no gguf model weights found")

// File is one *.gguf file found by LoadDir.
type File struct {
	Name      string
	Path      string
	SizeBytes int64
	// Projector marks multimodal projector files (mmproj-*.gguf).
	Projector bool
}

// Weights is the model/projector pair a serving process needs.
type Weights struct {
	Model     string
	Projector string
}

// HasProjector reports whether a vision projector was found.
func (w Weights) HasProjector() bool { return w.Projector != "" }

// LoadDir scans a directory (not recursively) for *.gguf files, sorted by name.
func LoadDir(dir string) ([]File, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		f := File{Name: name, Path: filepath.Join(abs, name), Projector: isProjector(name)}
		if info, err := e.Info(); err == nil {
			f.SizeBytes = info.Size()
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func isProjector(name string) bool {
	return strings.Contains(strings.ToLower(name), "mmproj")
}

// Resolve finds the weights for a local model path. A file path is used as
// the model and its directory is searched for a projector; a directory path
// uses its largest non-projector file as the model.
func Resolve(path string) (Weights, error) {
	p, err := fsutil.ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return Weights{}, err
	}
	if p == "" {
		return Weights{}, ErrNoWeights
	}
	info, err := os.Stat(p)
	if err != nil {
		return Weights{}, fmt.Errorf("model path: %w", err)
	}
	dir := p
	var w Weights
	if !info.IsDir() {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Weights{}, fmt.Errorf("abs path: %w", err)
		}
		w.Model = abs
		dir = filepath.Dir(abs)
	}
	files, err := LoadDir(dir)
	if err != nil {
		return Weights{}, err
	}
	var best *File
	for i := range files {
		f := &files[i]
		if f.Projector {
			if w.Projector == "" {
				w.Projector = f.Path
			}
			continue
		}
		if best == nil || f.SizeBytes > best.SizeBytes {
			best = f
		}
	}
	if w.Model == "" {
		if best == nil {
			return Weights{}, fmt.Errorf("%w in %s", ErrNoWeights, dir)
		}
		w.Model = best.Path
	}
	return w, nil
}

package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Dir cycles through a directory's image files in name order, wrapping back
// to the first after the last.
type Dir struct {
	mu    sync.Mutex
	files []string
	next  int
}

// NewDir lists the image files under path once, at construction. A
// directory with no image files fails with ErrUnavailable.
func NewDir(path string) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no image files in %s", ErrUnavailable, path)
	}
	return &Dir{files: files}, nil
}

func (d *Dir) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	path := d.files[d.next]
	d.next++
	if d.next >= len(d.files) {
		d.next = 0
	}
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

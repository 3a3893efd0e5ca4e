package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const addressSuffix = ".address"

// FileDirectory publishes endpoints as files in a shared directory.
type FileDirectory struct {
	path string
	poll time.Duration
}

// NewFileDirectory creates path if needed and returns a directory rooted there.
func NewFileDirectory(path string) (*FileDirectory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating exchange directory: %w", err)
	}
	return &FileDirectory{path: path, poll: 100 * time.Millisecond}, nil
}

func (d *FileDirectory) Path() string { return d.path }

func (d *FileDirectory) file(name string) string {
	return filepath.Join(d.path, sanitize(name)+addressSuffix)
}

// Publish writes the address atomically so a concurrent Lookup never sees
// a partial file.
func (d *FileDirectory) Publish(name, address string) error {
	tmp, err := os.CreateTemp(d.path, "."+sanitize(name)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(address); err != nil {
		return errors.Join(err, tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}
	return os.Rename(tmp.Name(), d.file(name))
}

func (d *FileDirectory) Lookup(name string) (string, error) {
	b, err := os.ReadFile(d.file(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (d *FileDirectory) Remove(name string) error {
	err := os.Remove(d.file(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Wait blocks until name is published. File system events wake it up;
// a polling tick covers file systems that do not deliver events.
func (d *FileDirectory) Wait(ctx context.Context, name string) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer watcher.Close()
	if err := watcher.Add(d.path); err != nil {
		return "", err
	}
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		address, err := d.Lookup(name)
		if err == nil {
			return address, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for endpoint %q: %w", name, ctx.Err())
		case _, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("watcher on %s closed", d.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("watcher on %s closed", d.path)
			}
			return "", err
		case <-ticker.C:
		}
	}
}

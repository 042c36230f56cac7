package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxLogLine bounds one NDJSON record.
const maxLogLine = 1 << 20

// FileStore keeps documents as <dir>/<doc>.json and logs as <dir>/<log>.ndjson.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// DocPath returns the file backing doc.
func (s *FileStore) DocPath(doc string) string {
	return filepath.Join(s.dir, doc+".json")
}

func (s *FileStore) logPath(log string) string {
	return filepath.Join(s.dir, log+".ndjson")
}

func (s *FileStore) Get(_ context.Context, doc string, v any) (bool, error) {
	data, err := os.ReadFile(s.DocPath(doc))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read %s: %w", doc, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, doc, err)
	}
	return true, nil
}

func (s *FileStore) Put(_ context.Context, doc string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc, v)
}

func (s *FileStore) Update(ctx context.Context, doc string, v any, mutate func(found bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset(v)
	found, err := s.Get(ctx, doc, v)
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn("storage: corrupt document replaced by default", "doc", doc, "error", err)
		reset(v)
		found = false
	} else if err != nil {
		return err
	}

	if err := mutate(found); err != nil {
		return err
	}
	return s.writeLocked(doc, v)
}

// writeLocked writes v to a temp file in the same directory, syncs it, then
// renames it over the document. Must be called with mu held.
func (s *FileStore) writeLocked(doc string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", doc, err)
	}

	target := s.DocPath(doc)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create tmp %s: %w", doc, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: write tmp %s: %w", doc, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: sync tmp %s: %w", doc, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close tmp %s: %w", doc, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: rename %s: %w", doc, err)
	}
	return nil
}

func (s *FileStore) AppendLog(_ context.Context, log string, rec any) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal %s record: %w", log, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(log), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", log, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("storage: append %s: %w", log, err)
	}
	return f.Close()
}

func (s *FileStore) ScanLog(ctx context.Context, log string, fn func(raw []byte) error) error {
	f, err := os.Open(s.logPath(log))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", log, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("storage: scan %s: %w", log, err)
	}
	return nil
}

func (s *FileStore) Version(_ context.Context, doc string) (int64, error) {
	fi, err := os.Stat(s.DocPath(doc))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.ModTime().UnixNano() ^ fi.Size(), nil
}

func (s *FileStore) Close() error { return nil }

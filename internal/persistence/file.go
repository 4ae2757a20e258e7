package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileBackend stores the document as JSON, replaced atomically on every save.
type FileBackend struct {
	path string
	now  func() time.Time
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, now: time.Now}
}

// Path returns the document location.
func (b *FileBackend) Path() string { return b.path }

// Save writes doc to <path>.tmp, syncs it, renames it over path, and syncs the
// directory so the rename survives a crash.
func (b *FileBackend) Save(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "save", Path: b.path, Err: err}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: b.path, Err: err}
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: b.path, Err: err}
	}

	tmp := b.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "rename", Path: b.path, Err: err}
	}
	if err := syncDir(dir); err != nil {
		return &PersistenceError{Op: "sync dir", Path: dir, Err: err}
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, fs.ErrInvalid) {
		return err
	}
	return nil
}

// Load reads the document. A missing file yields Empty with no error.
func (b *FileBackend) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Empty(), &PersistenceError{Op: "load", Path: b.path, Err: err}
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Empty(), nil
		}
		return Empty(), &PersistenceError{Op: "load", Path: b.path, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Empty(), b.quarantine("undecodable document", err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return Empty(), b.quarantine(fmt.Sprintf("schema version %d is newer than supported %d", doc.SchemaVersion, SchemaVersion), nil)
	}
	migrate(&doc)
	return doc, nil
}

// quarantine moves the unusable file aside so the next save cannot silently
// replace it.
func (b *FileBackend) quarantine(reason string, cause error) error {
	backup := fmt.Sprintf("%s.bak.%d", b.path, b.now().Unix())
	inconsistency := &RecoveryInconsistencyError{Path: b.path, Reason: reason, Err: cause}
	if err := os.Rename(b.path, backup); err == nil {
		inconsistency.Backup = backup
	}
	return inconsistency
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error { return nil }

package ixmp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func init() {
	RegisterBackend("file", func(kwargs map[string]interface{}) (Backend, error) {
		return NewFileBackend(kwargs)
	})
}

const (
	registryFile = "registry.json"
	runsDir      = "runs"
)

// FileBackend persists the platform to a directory of JSON documents:
// registry.json for the platform registries and runs/<id>.json per run.
// It embeds a MemoryBackend and hooks the store's persistence callbacks,
// so the two engines share every semantic and differ only in durability.
// Checkout locks are in-process; a directory must not be opened by two
// backends at once.
type FileBackend struct {
	*MemoryBackend
	dir   string
	locks *stripedLocks
}

// NewFileBackend opens (or creates) a platform directory. Supported
// kwargs: "path" (string, required), "user" and "log_level" as for the
// memory engine.
func NewFileBackend(kwargs map[string]interface{}) (*FileBackend, error) {
	if err := rejectUnknownKwargs(kwargs, "path", "user", "log_level"); err != nil {
		return nil, err
	}
	dir, err := stringKwarg(kwargs, "path")
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"key":    "path",
			"reason": "file backend requires a path",
		})
	}
	innerKwargs := make(map[string]interface{})
	for _, k := range []string{"user", "log_level"} {
		if v, ok := kwargs[k]; ok {
			innerKwargs[k] = v
		}
	}
	inner, err := NewMemoryBackend(innerKwargs)
	if err != nil {
		return nil, err
	}

	b := &FileBackend{
		MemoryBackend: inner,
		dir:           dir,
		locks:         newStripedLocks(32),
	}
	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0o755); err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":  dir,
			"error": err.Error(),
		})
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	b.store.saveRegistry = b.writeRegistry
	b.store.saveRun = b.writeRun
	return b, nil
}

// load reads the registry and every run document into the store.
// Checkout state is never persisted, so all runs come back unlocked.
func (b *FileBackend) load() error {
	regPath := filepath.Join(b.dir, registryFile)
	if raw, err := os.ReadFile(regPath); err == nil {
		if err := json.Unmarshal(raw, &b.store.reg); err != nil {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"path":  regPath,
				"error": err.Error(),
			})
		}
	} else if !os.IsNotExist(err) {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":  regPath,
			"error": err.Error(),
		})
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, runsDir))
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":  b.dir,
			"error": err.Error(),
		})
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(b.dir, runsDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return WithContext(ErrBackendUnavailable, map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
		var r run
		if err := json.Unmarshal(raw, &r); err != nil {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
		if r.Committed == nil {
			r.Committed = newRunState()
		}
		if r.Committed.Items == nil {
			r.Committed.Items = make(map[string]*itemDef)
		}
		r.LockedBy = ""
		r.LockUser = ""
		r.LockDate = time.Time{}
		b.store.runs[r.ID] = &r
		if r.ID >= b.store.nextRunID {
			b.store.nextRunID = r.ID + 1
		}
	}
	return nil
}

// writeRegistry snapshots the registry document. Write-then-rename keeps
// the document intact if the process dies mid-write.
func (b *FileBackend) writeRegistry(reg *registryState) error {
	path := filepath.Join(b.dir, registryFile)
	unlock := b.locks.Lock(path)
	defer unlock()
	return writeJSONAtomic(path, reg)
}

// writeRun snapshots one run document
func (b *FileBackend) writeRun(r *run) error {
	path := b.runPath(r.ID)
	unlock := b.locks.Lock(path)
	defer unlock()
	return writeJSONAtomic(path, r)
}

func (b *FileBackend) runPath(id int64) string {
	return filepath.Join(b.dir, runsDir, fmt.Sprintf("%d.json", id))
}

func writeJSONAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBackend) Close() error {
	b.logger.Debug("file backend closed", "path", b.dir)
	return nil
}

// Clone accepts any destination whose engine is built on the shared run
// store, which today means the memory and file engines
func (b *FileBackend) Clone(ctx context.Context, s *Session, dest Backend, model, scenario, annotation string, keepSolution bool, firstModelYear int) (*Session, error) {
	b.metrics.Increment(MetricSessionClone, "engine", "file")
	provider, ok := unwrapBackend(dest).(interface{ runStoreProvider() *runStore })
	if !ok {
		return nil, WithContext(ErrUnsupported, map[string]interface{}{
			"reason": "destination engine cannot receive clones from the file engine",
		})
	}
	return b.store.cloneRun(s, provider.runStoreProvider(), model, scenario, annotation, keepSolution, firstModelYear)
}

// Package store provides durable per-worker state and a registry index.
// The registry itself lives in bbolt for atomic, single-writer updates;
// alongside it the store maintains the plain-file layout the control
// surface and operators read directly: a human-readable registry.json
// mirror, a per-worker state.json snapshot, and append-only
// output.jsonl/errors.log files.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fleet/pkg/orcherr"
	"github.com/cuemby/fleet/pkg/types"
)

// outputRotateThreshold is the size at which AppendOutput rotates
// output.jsonl out of the way rather than growing it unbounded, per
// §4.3's "append-only stream log, capped rotation optional". A var,
// not a const, so tests can shrink it instead of writing real
// megabytes of fixture data.
var outputRotateThreshold int64 = 32 * 1024 * 1024

var bucketWorkers = []byte("workers")

// Store is the durable State Store described in §4.3: per-worker state
// plus a registry index, with append-only output/error logs.
type Store struct {
	root string
	db   *bolt.DB

	regMu sync.Mutex // guards registry.json + bbolt registry writes

	workerMu   sync.Mutex
	workerLock map[string]*sync.Mutex // single-writer lock per worker id
}

// Open opens (creating if absent) the state store rooted at root.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating state root: %w", err)
	}

	db, err := bolt.Open(filepath.Join(root, "registry.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkers)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating workers bucket: %w", err)
	}

	return &Store{
		root:       root,
		db:         db,
		workerLock: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	l, ok := s.workerLock[id]
	if !ok {
		l = &sync.Mutex{}
		s.workerLock[id] = l
	}
	return l
}

func (s *Store) workerDir(id string) string {
	return filepath.Join(s.root, id)
}

// Save atomically persists record as the latest snapshot for its id and
// upserts the registry with a matching timestamp.
func (s *Store) Save(record *types.Worker) error {
	l := s.lockFor(record.ID)
	l.Lock()
	defer l.Unlock()

	dir := s.workerDir(record.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating worker dir: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling worker record: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(dir, "state.json"), data); err != nil {
		return fmt.Errorf("writing state.json: %w", err)
	}

	return s.upsertRegistry(record)
}

func (s *Store) upsertRegistry(record *types.Worker) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	now := time.Now()

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	}); err != nil {
		return fmt.Errorf("updating registry db: %w", err)
	}

	return s.writeRegistryJSON(now)
}

// writeRegistryJSON rewrites the human-readable registry.json mirror
// from the bbolt-backed registry. Caller must hold regMu.
func (s *Store) writeRegistryJSON(now time.Time) error {
	reg := types.NewRegistry()
	reg.LastUpdated = now

	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			reg.Workers[string(k)] = &w
			return nil
		})
	}); err != nil {
		return err
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(s.root, "registry.json"), data)
}

// Load returns the latest persisted record for id.
func (s *Store) Load(id string) (*types.Worker, error) {
	var w *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return orcherr.ErrNotFound
		}
		w = &types.Worker{}
		return json.Unmarshal(data, w)
	})
	return w, err
}

// LoadAll returns every persisted worker record.
func (s *Store) LoadAll() ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(_, v []byte) error {
			w := &types.Worker{}
			if err := json.Unmarshal(v, w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}

// Remove deletes the worker's directory and its registry entry.
func (s *Store) Remove(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.regMu.Lock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
	if err == nil {
		err = s.writeRegistryJSON(time.Now())
	}
	s.regMu.Unlock()
	if err != nil {
		return fmt.Errorf("removing registry entry: %w", err)
	}

	if err := os.RemoveAll(s.workerDir(id)); err != nil {
		return fmt.Errorf("removing worker dir: %w", err)
	}

	s.workerMu.Lock()
	delete(s.workerLock, id)
	s.workerMu.Unlock()
	return nil
}

// AppendOutput appends a raw stdout line to <id>/output.jsonl, rotating
// it out of the way first if it has grown past outputRotateThreshold.
// Failures are the caller's to log; they are non-fatal to the scheduler
// tick.
func (s *Store) AppendOutput(id string, line string) error {
	if err := s.rotateOutputIfLarge(id); err != nil {
		return err
	}
	return s.appendLine(id, "output.jsonl", line)
}

// rotateOutputIfLarge renames output.jsonl to a uniquely named rotated
// file once it crosses the threshold, so ReadOutput's tail scan never
// has to grow a single file without bound. The rotated file keeps no
// caller-meaningful name of its own (unlike state.json/errors.log,
// which are fixed per worker), so it is given a random identifier
// rather than a timestamp that could collide within the same second.
func (s *Store) rotateOutputIfLarge(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.workerDir(id), "output.jsonl")
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < outputRotateThreshold {
		return nil
	}

	rotated := filepath.Join(s.workerDir(id), fmt.Sprintf("output-%s.jsonl", uuid.New().String()))
	return os.Rename(path, rotated)
}

// AppendError appends a timestamped stderr line to <id>/errors.log.
func (s *Store) AppendError(id string, line string) error {
	stamped := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339Nano), line)
	return s.appendLine(id, "errors.log", stamped)
}

func (s *Store) appendLine(id, filename, line string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	dir := s.workerDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

// ReadOutput returns up to n of the most recent lines from
// <id>/output.jsonl, oldest first. n <= 0 returns the entire file.
func (s *Store) ReadOutput(id string, n int) ([]string, error) {
	path := filepath.Join(s.workerDir(id), "output.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n <= 0 || n >= len(lines) {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

// Cleanup deletes every cleanup-eligible worker (MERGED, STOPPED, or
// ERROR) whose LastActivity is older than maxAge, returning the removed
// ids.
func (s *Store) Cleanup(maxAge time.Duration) ([]string, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, w := range all {
		if !w.State.CleanupEligible() {
			continue
		}
		if w.LastActivity.After(cutoff) {
			continue
		}
		if err := s.Remove(w.ID); err != nil {
			return removed, fmt.Errorf("cleaning up %s: %w", w.ID, err)
		}
		removed = append(removed, w.ID)
	}
	return removed, nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, so readers never observe a partial
// write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Package store persists session records as flat files under the data
// directory and owns the append-only event log. The directory is the
// authoritative state of record: it survives restarts, is human
// inspectable, and needs no index at the scale it serves.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/session"
)

const (
	archiveDir    = "archive"
	eventLogFile  = "events.jsonl"
	schemaVersion = 1
)

// Store is the flat-file session store. One file per live session named by
// its id, archived records under archive/ keeping their ids. Every write
// is atomic (temp file + rename) and serialized per session id.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex // guards locks and reservation
	locks map[string]*sync.Mutex

	// raw preserves unknown fields per id across read-modify-write.
	rawMu sync.Mutex
	raw   map[string]map[string]json.RawMessage
}

// New opens (creating if needed) the store rooted at dir.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{
		root:   dir,
		logger: log.WithFields(zap.String("component", "session-store")),
		locks:  map[string]*sync.Mutex{},
		raw:    map[string]map[string]json.RawMessage{},
	}, nil
}

// Root returns the store's data directory.
func (s *Store) Root() string { return s.root }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) livePath(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) archivePath(id string) string {
	return filepath.Join(s.root, archiveDir, id)
}

// reservation is the sentinel written while a spawn is in flight. A file
// holding only a reservation is not a session yet.
type reservation struct {
	ID         string    `json:"id"`
	Reserved   bool      `json:"reserved"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Reserve atomically allocates the smallest unused positive integer for
// prefix across live, archived, and reserved records, and writes the
// sentinel. The O_EXCL create makes double reservation impossible even if
// two callers race past the scan.
func (s *Store) Reserve(prefix string) (string, error) {
	if prefix == "" || !session.ValidID(prefix) {
		return "", apperrors.Validation("session prefix must not contain path separators or whitespace")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.usedNumbers(prefix)
	if err != nil {
		return "", err
	}

	n := 1
	for used[n] {
		n++
	}
	id := fmt.Sprintf("%s-%d", prefix, n)

	data, err := json.MarshalIndent(reservation{ID: id, Reserved: true, ReservedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return "", err
	}
	file, err := os.OpenFile(s.livePath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", apperrors.Invariant(fmt.Sprintf("session id %q already reserved", id), err)
		}
		return "", fmt.Errorf("failed to write reservation: %w", err)
	}
	_, werr := file.Write(append(data, '\n'))
	cerr := file.Close()
	if werr != nil {
		return "", werr
	}
	if cerr != nil {
		return "", cerr
	}

	s.logger.Debug("reserved session id", zap.String("id", id))
	return id, nil
}

// Release removes a reservation sentinel (or a live record) during spawn
// rollback. Best effort by contract; a missing file is fine.
func (s *Store) Release(id string) error {
	err := os.Remove(s.livePath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.forgetRaw(id)
	return nil
}

// usedNumbers scans live and archived records plus sentinels for numbers
// already taken under prefix. Caller holds s.mu.
func (s *Store) usedNumbers(prefix string) (map[int]bool, error) {
	used := map[int]bool{}
	for _, dir := range []string{s.root, filepath.Join(s.root, archiveDir)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || entry.Name() == eventLogFile {
				continue
			}
			rest, ok := strings.CutPrefix(entry.Name(), prefix+"-")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				continue
			}
			used[n] = true
		}
	}
	return used, nil
}

// Save persists a session record, replacing any reservation sentinel.
// Unknown fields from a previously read record with the same id are
// preserved.
func (s *Store) Save(sess *session.Session) error {
	if !session.ValidID(sess.ID) {
		return apperrors.Validation(fmt.Sprintf("invalid session id %q", sess.ID))
	}
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeRecord(s.livePath(sess.ID), sess)
}

// writeRecord merges the session over preserved unknown fields and writes
// atomically via temp file + rename.
func (s *Store) writeRecord(path string, sess *session.Session) error {
	known, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return err
	}

	merged := map[string]json.RawMessage{}
	s.rawMu.Lock()
	for k, v := range s.raw[sess.ID] {
		merged[k] = v
	}
	s.rawMu.Unlock()
	for k, v := range knownFields {
		merged[k] = v
	}
	version, _ := json.Marshal(schemaVersion)
	if _, ok := merged["schema_version"]; !ok {
		merged["schema_version"] = version
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit session record: %w", err)
	}
	return nil
}

// readRecord decodes one record file, caching unknown fields for later
// preservation. Reservation sentinels return (nil, nil).
func (s *Store) readRecord(path string) (*session.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.Invariant(fmt.Sprintf("corrupt session record %q", filepath.Base(path)), err)
	}
	if reserved, ok := fields["reserved"]; ok && string(reserved) == "true" {
		return nil, nil
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperrors.Invariant(fmt.Sprintf("corrupt session record %q", filepath.Base(path)), err)
	}

	s.rawMu.Lock()
	s.raw[sess.ID] = fields
	s.rawMu.Unlock()
	return &sess, nil
}

func (s *Store) forgetRaw(id string) {
	s.rawMu.Lock()
	delete(s.raw, id)
	s.rawMu.Unlock()
}

// Get returns a live session record.
func (s *Store) Get(id string) (*session.Session, error) {
	if !session.ValidID(id) {
		return nil, apperrors.Validation(fmt.Sprintf("invalid session id %q", id))
	}
	sess, err := s.readRecord(s.livePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(id) // still a reservation
	}
	return sess, nil
}

// GetAny returns a session record from the live set or the archive. The
// second result reports whether it came from the archive.
func (s *Store) GetAny(id string) (*session.Session, bool, error) {
	sess, err := s.Get(id)
	if err == nil {
		return sess, false, nil
	}
	if !apperrors.IsKind(err, apperrors.KindSessionNotFound) {
		return nil, false, err
	}
	archived, aerr := s.readRecord(s.archivePath(id))
	if errors.Is(aerr, os.ErrNotExist) {
		return nil, false, apperrors.SessionNotFound(id)
	}
	if aerr != nil {
		return nil, false, aerr
	}
	if archived == nil {
		return nil, false, apperrors.SessionNotFound(id)
	}
	return archived, true, nil
}

// List enumerates live session records, skipping reservations, sorted by
// id.
func (s *Store) List() ([]*session.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	var sessions []*session.Session
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == eventLogFile || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sess, err := s.readRecord(s.livePath(entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable session record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if sess == nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// Update applies fn to the live record under the per-id lock and persists
// the result. fn returning an error aborts without writing.
func (s *Store) Update(id string, fn func(*session.Session) error) (*session.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.readRecord(s.livePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(id)
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.writeRecord(s.livePath(id), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Archive moves a live record to the archive, keeping its id. Archiving
// an already archived record is a no-op.
func (s *Store) Archive(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err := os.Rename(s.livePath(id), s.archivePath(id))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(s.archivePath(id)); statErr == nil {
			return nil
		}
		return apperrors.SessionNotFound(id)
	}
	return err
}

// Unarchive moves an archived record back into the live set for restore.
func (s *Store) Unarchive(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err := os.Rename(s.archivePath(id), s.livePath(id))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(s.livePath(id)); statErr == nil {
			return nil
		}
		return apperrors.SessionNotFound(id)
	}
	return err
}

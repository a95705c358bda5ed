package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notibell/pkg/logx"
)

// Key namespaces inside the state journal.
const (
	nsDedup = "dedup:"
	nsCache = "cache:"
)

// fileStore keeps everything in a directory next to cfg.Path.
//
// Files:
//   - <prefix>.alerts.jsonl        (append-only JSON Lines)
//   - <prefix>.state.snapshot.json (compacted key/value state)
//   - <prefix>.state.journal.jsonl (append-only key/value journal)
//
// Dedup windows and cache snapshots share the state journal under separate
// key prefixes. The journal is compacted into the snapshot every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	alertsPath string
	alertsFile *os.File

	snapshotPath string
	journal      *os.File
	state        map[string]json.RawMessage

	writes       int
	compactEvery int
}

type stateRecord struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	alertsPath := prefix + ".alerts.jsonl"
	af, err := os.OpenFile(alertsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	state := map[string]json.RawMessage{}
	if err := loadState(snapPath, state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting empty", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	pruneExpiredDedup(state, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		alertsPath:   alertsPath,
		alertsFile:   af,
		snapshotPath: snapPath,
		journal:      jf,
		state:        state,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.alertsFile != nil {
		errs = append(errs, s.alertsFile.Close())
		s.alertsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAlert(ctx context.Context, r AlertRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.alertsFile).Encode(r)
}

// RecentAlerts reads the alert log back, newest first.
func (s *fileStore) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	_ = ctx
	s.mu.Lock()
	path := s.alertsPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []AlertRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r AlertRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]AlertRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	v, _ := json.Marshal(until.UnixMilli())
	return s.put(ctx, nsDedup+key, v)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	raw, ok := s.state[nsDedup+key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutSnapshot(ctx context.Context, key string, data []byte) error {
	if !json.Valid(data) {
		return errors.New("storage: snapshot is not valid JSON")
	}
	return s.put(ctx, nsCache+key, json.RawMessage(append([]byte(nil), data...)))
}

func (s *fileStore) GetSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.state[nsCache+key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (s *fileStore) put(ctx context.Context, key string, v json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	s.state[key] = v
	if err := json.NewEncoder(s.journal).Encode(stateRecord{Key: key, Value: v}); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.state, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadState(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Value
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]json.RawMessage, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if !strings.HasPrefix(k, nsDedup) {
			continue
		}
		var ms int64
		if json.Unmarshal(v, &ms) != nil || ms < cut {
			delete(m, k)
		}
	}
}

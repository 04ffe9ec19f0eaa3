package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "statpulse/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl                (append-only JSON Lines)
//   - <prefix>.schedules.snapshot.json   (periodic snapshot)
//   - <prefix>.schedules.journal.jsonl   (append-only journal)
//
// The schedule journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File

	snapshotPath string
	journalFile  *os.File
	schedules    map[string]ScheduleRecord

	journalWrites int
}

type scheduleJournalRecord struct {
	Deleted bool           `json:"deleted,omitempty"`
	Name    string         `json:"name"`
	Record  ScheduleRecord `json:"record,omitempty"`
}

const compactEvery = 200

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".schedules.snapshot.json"
	journalPath := prefix + ".schedules.journal.jsonl"

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	schedules := map[string]ScheduleRecord{}
	if err := loadScheduleSnapshot(snapPath, schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule snapshot unreadable", logx.Err(err))
	}
	if err := replayScheduleJournal(journalPath, schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		snapshotPath: snapPath,
		journalFile:  jf,
		schedules:    schedules,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) PutSchedule(ctx context.Context, r ScheduleRecord) error {
	_ = ctx
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("schedule name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendJournalLocked(scheduleJournalRecord{Name: r.Name, Record: r}); err != nil {
		return err
	}
	s.schedules[r.Name] = r
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, name string) error {
	_ = ctx
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return nil
	}
	if err := s.appendJournalLocked(scheduleJournalRecord{Deleted: true, Name: name}); err != nil {
		return err
	}
	delete(s.schedules, name)
	return nil
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]ScheduleRecord, 0, len(s.schedules))
	for _, r := range s.schedules {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fileStore) appendJournalLocked(rec scheduleJournalRecord) error {
	if s.journalFile == nil {
		return errors.New("schedule journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		if err := s.compactLocked(rec); err != nil {
			s.log.Debug("schedule compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot including pending, which the caller has
// journaled but not yet applied to the map.
func (s *fileStore) compactLocked(pending scheduleJournalRecord) error {
	m := make(map[string]ScheduleRecord, len(s.schedules)+1)
	for k, v := range s.schedules {
		m[k] = v
	}
	if pending.Deleted {
		delete(m, pending.Name)
	} else {
		m[pending.Name] = pending.Record
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]RunRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, r)
	}
	return ring, sc.Err()
}

func loadScheduleSnapshot(path string, out map[string]ScheduleRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]ScheduleRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayScheduleJournal(path string, out map[string]ScheduleRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r scheduleJournalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Name == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.Name)
			continue
		}
		out[r.Name] = r.Record
	}
	return sc.Err()
}

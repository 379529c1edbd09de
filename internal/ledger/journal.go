package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// journalVersion is bumped when the on-disk record layout changes.
const journalVersion = 1

type journalRecord struct {
	Version int   `json:"v"`
	Event   Event `json:"event"`
}

// FileJournal is an append-only JSON-lines event log. Each line is a
// versioned record; replaying the file reconstructs the full ledger state.
type FileJournal struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenFileJournal opens or creates the journal at path.
func OpenFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger journal: %w", err)
	}
	return &FileJournal{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one event record and flushes it to the OS.
func (j *FileJournal) Append(ev Event) error {
	line, err := json.Marshal(journalRecord{Version: journalVersion, Event: ev})
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return j.w.Flush()
}

// Replay streams every stored event through fn in append order.
func (j *FileJournal) Replay(fn func(ev Event) error) error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("journal line %d corrupt: %w", line, err)
		}
		if rec.Version != journalVersion {
			return fmt.Errorf("journal line %d has unsupported version %d", line, rec.Version)
		}
		if err := fn(rec.Event); err != nil {
			return fmt.Errorf("replay journal line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	return nil
}

// Close flushes buffered writes and closes the file.
func (j *FileJournal) Close() error {
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return j.f.Close()
}

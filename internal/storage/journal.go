package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/iotpulse/internal/models"
)

const maxJournalLine = 16 << 20

// journalEntry is one committed transaction, written as a single JSON line
// before the commit is applied in memory.
type journalEntry struct {
	At        time.Time             `json:"at"`
	Updates   []models.DeviceUpdate `json:"updates,omitempty"`
	Telemetry []telemetryRow        `json:"telemetry,omitempty"`
	Events    []eventRow            `json:"events,omitempty"`
}

type telemetryRow struct {
	RowID string `json:"row_id"`
	models.TelemetrySample
}

type eventRow struct {
	RowID string `json:"row_id"`
	models.VisionEvent
}

type journal struct {
	f *os.File
	w *bufio.Writer
	// size is the offset just past the last complete entry.
	size int64
}

func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &journal{f: f, w: bufio.NewWriter(f)}, nil
}

// replay feeds every complete entry to apply. A torn final line, left by a
// crash mid-write, is ignored and cut off so later appends start on a fresh
// line. A bad entry followed by more entries is an error.
func (j *journal) replay(apply func(journalEntry)) error {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReaderSize(j.f, 64*1024)
	var (
		offset  int64
		pending error
	)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// no trailing newline: the write never completed
			break
		}
		if err != nil {
			return err
		}
		if pending != nil {
			return pending
		}
		if len(line) > maxJournalLine {
			return fmt.Errorf("journal entry exceeds %d bytes", maxJournalLine)
		}

		body := bytes.TrimSpace(line)
		if len(body) > 0 {
			var e journalEntry
			if err := json.Unmarshal(body, &e); err != nil {
				pending = fmt.Errorf("corrupt journal entry at offset %d: %w", offset, err)
				continue
			}
			apply(e)
		}
		offset += int64(len(line))
	}

	if err := j.truncate(offset); err != nil {
		return err
	}
	_, err := j.f.Seek(0, io.SeekEnd)
	return err
}

// append writes e as one line. On failure the partial write is cut off so
// the journal stays usable for the next transaction.
func (j *journal) append(e journalEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	err = j.write(b)
	if err == nil {
		j.size += int64(len(b))
		return nil
	}
	j.w.Reset(j.f)
	if terr := j.truncate(j.size); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

func (j *journal) write(b []byte) error {
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

func (j *journal) truncate(size int64) error {
	if err := j.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	j.size = size
	return nil
}

func (j *journal) close() error {
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

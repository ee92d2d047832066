// Package journal is the append-only JSONL record of every stored reading.
//
// Each line is one complete JSON object, which keeps the file crash-safe:
// a process killed mid-write leaves at most one unparseable trailing line,
// and ReadLast skips it. Existing lines are never rewritten.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"healthsense-server/internal/modules/telemetry/types"
)

// maxLineSize bounds a single journal line; longer lines are skipped.
const maxLineSize = 1 << 20

// Journal appends readings to a newline-delimited JSON file.
//
// Journal has no lock of its own. Concurrent Append calls rely on
// O_APPEND with one write per record, and the telemetry store serializes
// writers before they get here.
type Journal struct {
	path   string
	logger *slog.Logger
}

// Open prepares a journal at path, creating the parent directory if
// needed. The file itself is created by the first Append.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return &Journal{path: path, logger: logger}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append writes r as one JSON line and syncs it before closing the file.
func (j *Journal) Append(r types.Reading) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	torn, err := endsMidLine(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("inspect journal: %w", err)
	}
	if torn {
		// Terminate a record cut short by a crash so this one gets its own line.
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// endsMidLine reports whether f is non-empty and its last byte is not a
// newline.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// ReadLast returns up to n of the most recently appended readings,
// newest first. A missing file reads as empty. Malformed lines are skipped.
func (j *Journal) ReadLast(n int) ([]types.Reading, error) {
	if n <= 0 {
		return []types.Reading{}, nil
	}

	// ring holds the last n parsed readings; next is the slot to overwrite.
	ring := make([]types.Reading, 0, min(n, 64))
	next := 0
	err := j.scan(func(r types.Reading) {
		if len(ring) < n {
			ring = append(ring, r)
			return
		}
		ring[next] = r
		next = (next + 1) % n
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Reading, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

// Count returns the number of parseable records in the journal.
func (j *Journal) Count() (int, error) {
	n := 0
	err := j.scan(func(types.Reading) { n++ })
	return n, err
}

// CheckWritable reports whether the journal's directory accepts new files.
func (j *Journal) CheckWritable() error {
	dir := filepath.Dir(j.path)
	f, err := os.CreateTemp(dir, ".journal-probe-*")
	if err != nil {
		return fmt.Errorf("journal dir %s not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (j *Journal) scan(fn func(types.Reading)) error {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			j.logger.Error("close journal", "error", err)
		}
	}()

	reader := bufio.NewReaderSize(f, 64*1024)
	skipped := 0
	for {
		line, readErr := readLine(reader)
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if r, ok := parseLine(line); ok {
				fn(r)
			} else {
				skipped++
			}
		}
		if readErr != nil {
			if errors.Is(readErr, errLineTooLong) {
				skipped++
				continue
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read journal: %w", readErr)
		}
	}
	if skipped > 0 {
		j.logger.Debug("skipped malformed journal lines", "path", j.path, "count", skipped)
	}
	return nil
}

var errLineTooLong = errors.New("journal line too long")

// readLine returns the next line including any terminator. At end of
// file it returns the final unterminated line, if any, with io.EOF.
// Lines longer than maxLineSize are consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > maxLineSize {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errLineTooLong
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func parseLine(line []byte) (types.Reading, bool) {
	var r types.Reading
	if err := json.Unmarshal(line, &r); err != nil {
		return types.Reading{}, false
	}
	if r.Timestamp == "" {
		return types.Reading{}, false
	}
	return r, true
}

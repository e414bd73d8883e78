// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// JSONL is a Sink that appends one JSON object per Log call to a file:
//
//	{"run":"a1b2","step":3,"time":"2026-01-02T15:04:05Z","metrics":{"train loss":0.31}}
type JSONL struct {
	runID string

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	encoder *jsoniter.Encoder
	closed  bool
}

// Entry is one line of a JSONL metrics file.
type Entry struct {
	Run     string    `json:"run,omitempty"`
	Step    int       `json:"step"`
	Time    time.Time `json:"time"`
	Metrics Metrics   `json:"metrics"`
}

// NewJSONL opens (appending) or creates the file at path.
func NewJSONL(path, runID string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	w := bufio.NewWriter(f)
	return &JSONL{
		runID:   runID,
		file:    f,
		writer:  w,
		encoder: jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w),
	}, nil
}

// Log implements Sink.
func (j *JSONL) Log(step int, metrics Metrics) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.Errorf("metrics file %q already closed", j.file.Name())
	}
	err := j.encoder.Encode(Entry{Run: j.runID, Step: step, Time: time.Now().UTC(), Metrics: metrics})
	if err != nil {
		return errors.Wrapf(err, "failed to write metrics to %q", j.file.Name())
	}
	return nil
}

// Close implements Sink.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return errors.Wrapf(err, "failed to flush metrics file %q", j.file.Name())
	}
	return errors.Wrapf(j.file.Close(), "failed to close metrics file %q", j.file.Name())
}

// ReadJSONL reads all entries of a metrics file written by JSONL, in file order.
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	defer func() { _ = f.Close() }()
	return DecodeJSONL(f)
}

// DecodeJSONL decodes the entries of a JSONL metrics stream. Blank lines are skipped.
func DecodeJSONL(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := jsoniter.Unmarshal(line, &entry); err != nil {
			return nil, errors.Wrapf(err, "metrics line %d", lineNum)
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(scanner.Err(), "reading metrics")
}

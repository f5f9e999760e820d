// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmcache

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// LoggedEntry is one buffered insert.
type LoggedEntry struct {
	ModelID uuid.UUID `json:"model_id"`
	Entry   Entry     `json:"entry"`
}

// InsertLog is the append-only NDJSON buffer of inserts waiting for the
// next refresh. Appends are synced before they are acknowledged.
type InsertLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenInsertLog opens the log at path for appending.
func OpenInsertLog(path string) (*InsertLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &InsertLog{path: path, file: file}, nil
}

// Append durably writes one entry.
func (log *InsertLog) Append(ctx context.Context, entry LoggedEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}
	data = append(data, '\n')

	log.mu.Lock()
	defer log.mu.Unlock()

	if _, err := log.file.Write(data); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(log.file.Sync())
}

// Close closes the underlying file.
func (log *InsertLog) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()
	return Error.Wrap(log.file.Close())
}

// scanInserts reads complete entries starting at offset, skipping a
// torn trailing line.
func scanInserts(path string, offset int64) (entries []LoggedEntry, next int64, err error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, Error.Wrap(err)
	}

	next = offset
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return entries, next, nil
		}
		if err != nil {
			return nil, 0, Error.Wrap(err)
		}
		var entry LoggedEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return entries, next, nil
		}
		entries = append(entries, entry)
		next += int64(len(line))
	}
}

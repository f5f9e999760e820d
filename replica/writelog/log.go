// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package writelog implements the append-only write log a deployed
// replica records mutations into. A record is acknowledged only after
// it is fully on disk; a torn trailing record left by a crash is
// truncated away on open.
package writelog

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default writelog errs class.
var Error = errs.Class("writelog")

// Op is a mutation kind.
type Op string

// Mutation kinds.
const (
	OpInsert           Op = "insert"
	OpDelete           Op = "delete"
	OpUpvote           Op = "upvote"
	OpAssociate        Op = "associate"
	OpImplicitFeedback Op = "implicit-feedback"
)

// Record is one logged mutation. Payload stays raw so the log does not
// depend on the index types.
type Record struct {
	Op        Op              `json:"op"`
	Timestamp time.Time       `json:"timestamp"`
	Caller    uuid.UUID       `json:"caller"`
	Payload   json.RawMessage `json:"payload"`
}

// Log is an append-only NDJSON file of records.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens the log at path for appending, creating it when absent. A
// torn trailing record is truncated before the first append.
func Open(path string) (*Log, error) {
	valid, _, err := scanValid(path)
	if err != nil {
		return nil, err
	}
	if err := truncateTo(path, valid); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Log{path: path, file: file}, nil
}

// Append writes the record and syncs it to disk before returning. Only
// a returned nil is an acknowledgment.
func (log *Log) Append(ctx context.Context, rec Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(rec)
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
func (log *Log) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()
	return Error.Wrap(log.file.Close())
}

// ScanFrom reads all complete records starting at offset and returns
// them together with the offset after the last complete record. A torn
// trailing record is skipped, not an error.
func ScanFrom(path string, offset int64) (records []Record, next int64, err error) {
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
			// no trailing newline means the record is torn
			return records, next, nil
		}
		if err != nil {
			return nil, 0, Error.Wrap(err)
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// a corrupt line ends the scan, the tail is unusable
			return records, next, nil
		}
		records = append(records, rec)
		next += int64(len(line))
	}
}

// scanValid returns the byte length of the valid record prefix.
func scanValid(path string) (valid int64, count int, err error) {
	records, next, err := ScanFrom(path, 0)
	return next, len(records), err
}

func truncateTo(path string, size int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if info.Size() == size {
		return nil
	}
	return Error.Wrap(os.Truncate(path, size))
}

// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package index

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"bazaar.io/bazaar/internal/sync2"
	"bazaar.io/bazaar/replica/writelog"
)

var mon = monkit.Package()

// Rebuilder folds write log records into the index in the background.
// A pointer file remembers how far the log has been consumed, so a
// restarted rebuilder replays only once per record into a fresh index
// and at most twice into a live one, which the idempotent Apply
// tolerates.
type Rebuilder struct {
	log     *zap.Logger
	index   *Index
	logPath string
	ptrPath string

	Loop *sync2.Cycle
}

// NewRebuilder creates a rebuilder consuming logPath into index.
func NewRebuilder(log *zap.Logger, ix *Index, logPath string, interval time.Duration) *Rebuilder {
	return &Rebuilder{
		log:     log,
		index:   ix,
		logPath: logPath,
		ptrPath: logPath + ".ptr",
		Loop:    sync2.NewCycle(interval),
	}
}

// Run consumes the log until ctx is canceled, draining once more on
// shutdown.
func (rebuilder *Rebuilder) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = rebuilder.Loop.Run(ctx, rebuilder.Consume)
	if consumeErr := rebuilder.Consume(context.Background()); consumeErr != nil {
		rebuilder.log.Warn("final log drain failed", zap.Error(consumeErr))
	}
	return err
}

// Close stops the loop.
func (rebuilder *Rebuilder) Close() error {
	rebuilder.Loop.Close()
	return nil
}

// Consume applies all unconsumed records and advances the pointer. The
// pointer moves only after a successful apply, so a crash between the
// two replays the record instead of losing it.
func (rebuilder *Rebuilder) Consume(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	offset, err := rebuilder.readPointer()
	if err != nil {
		return err
	}
	records, next, err := writelog.ScanFrom(rebuilder.logPath, offset)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if err := rebuilder.index.Apply(rec); err != nil {
			// a malformed record is logged and skipped, stalling the
			// pointer forever would wedge every later record
			rebuilder.log.Error("skipping unappliable record",
				zap.String("op", string(rec.Op)), zap.Error(err))
		}
	}
	return rebuilder.writePointer(next)
}

func (rebuilder *Rebuilder) readPointer() (int64, error) {
	data, err := os.ReadFile(rebuilder.ptrPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return offset, nil
}

func (rebuilder *Rebuilder) writePointer(offset int64) error {
	tmp := rebuilder.ptrPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, rebuilder.ptrPath))
}

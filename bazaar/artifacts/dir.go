// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package artifacts

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Config holds artifact store configuration.
type Config struct {
	Dir string `help:"base directory for model artifacts" default:"$CONFDIR/models"`
}

// Dir implements Store on the local filesystem.
//
// Layout, per model:
//
//	models/<id>/model.<kind>        committed artifact
//	models/<id>/model.<kind>.zip    committed compressed form
//	models/<id>/model.zip.part<N>   uncommitted chunk
//	models/<id>/data/               job configs and replica logs
type Dir struct {
	base string
}

// NewDir creates a filesystem artifact store rooted at base.
func NewDir(base string) (*Dir, error) {
	if base == "" {
		return nil, Error.New("base directory is required")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Dir{base: base}, nil
}

func (dir *Dir) modelDir(modelID uuid.UUID) string {
	return filepath.Join(dir.base, modelID.String())
}

func (dir *Dir) chunkPath(modelID uuid.UUID, index int) string {
	return filepath.Join(dir.modelDir(modelID), fmt.Sprintf("model.zip.part%d", index))
}

func (dir *Dir) artifactPath(modelID uuid.UUID, kind string, compressed bool) string {
	name := "model." + kind
	if compressed {
		name += ".zip"
	}
	return filepath.Join(dir.modelDir(modelID), name)
}

// Reserve implements Store.
func (dir *Dir) Reserve(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(os.MkdirAll(dir.modelDir(modelID), 0755))
}

// PutChunk implements Store. The chunk is written to a temporary file
// and renamed into place so that a retried index replaces the prior
// bytes atomically.
func (dir *Dir) PutChunk(ctx context.Context, modelID uuid.UUID, index int, data io.Reader) (written int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if index < 1 {
		return 0, Error.New("chunk index must be >= 1, got %d", index)
	}
	if _, err := os.Stat(dir.modelDir(modelID)); err != nil {
		return 0, ErrNotReserved.New("%s", modelID)
	}

	target := dir.chunkPath(modelID, index)
	tmp, err := os.CreateTemp(dir.modelDir(modelID), ".part*")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	written, err = io.Copy(tmp, data)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	return written, Error.Wrap(os.Rename(tmp.Name(), target))
}

// Commit implements Store. It requires all chunks 1..total to exist,
// concatenates them in order into the final artifact and removes the
// parts. A failed commit leaves the chunk files intact.
func (dir *Dir) Commit(ctx context.Context, modelID uuid.UUID, kind string, total int, compressed bool) (size int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if total < 1 {
		return 0, Error.New("total chunks must be >= 1, got %d", total)
	}

	for i := 1; i <= total; i++ {
		if _, err := os.Stat(dir.chunkPath(modelID, i)); err != nil {
			return 0, ErrMissingChunk.New("chunk %d of %d for model %s", i, total, modelID)
		}
	}

	final := dir.artifactPath(modelID, kind, compressed)
	tmp, err := os.CreateTemp(dir.modelDir(modelID), ".commit*")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	for i := 1; i <= total; i++ {
		chunk, err := os.Open(dir.chunkPath(modelID, i))
		if err != nil {
			return 0, Error.Wrap(err)
		}
		n, err := io.Copy(tmp, chunk)
		size += n
		if err != nil {
			return 0, errs.Combine(Error.Wrap(err), chunk.Close())
		}
		if err := chunk.Close(); err != nil {
			return 0, Error.Wrap(err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return 0, Error.Wrap(err)
	}

	for i := 1; i <= total; i++ {
		if err := os.Remove(dir.chunkPath(modelID, i)); err != nil {
			return 0, Error.Wrap(err)
		}
	}
	return size, nil
}

// PrepareDownload implements Store.
func (dir *Dir) PrepareDownload(ctx context.Context, modelID uuid.UUID, kind string, compressed bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	wanted := dir.artifactPath(modelID, kind, compressed)
	if _, err := os.Stat(wanted); err == nil {
		return nil
	}
	if !compressed {
		return ErrNoArtifact.New("%s", modelID)
	}

	stored := dir.artifactPath(modelID, kind, false)
	if _, err := os.Stat(stored); err != nil {
		return ErrNoArtifact.New("%s", modelID)
	}

	tmp, err := os.CreateTemp(dir.modelDir(modelID), ".zip*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	archive := zip.NewWriter(tmp)
	entry, err := archive.Create(filepath.Base(stored))
	if err != nil {
		return Error.Wrap(err)
	}
	source, err := os.Open(stored)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(entry, source); err != nil {
		return errs.Combine(Error.Wrap(err), source.Close())
	}
	if err := source.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := archive.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp.Name(), wanted))
}

// Stream implements Store.
func (dir *Dir) Stream(ctx context.Context, modelID uuid.UUID, kind string, compressed bool) (_ io.ReadCloser, size int64, err error) {
	defer mon.Task()(&ctx)(&err)

	path := dir.artifactPath(modelID, kind, compressed)
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, ErrNoArtifact.New("%s", modelID)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	return file, info.Size(), nil
}

// Delete implements Store.
func (dir *Dir) Delete(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(os.RemoveAll(dir.modelDir(modelID)))
}

// DataDir implements Store.
func (dir *Dir) DataDir(modelID uuid.UUID) (string, error) {
	path := filepath.Join(dir.modelDir(modelID), "data")
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", Error.Wrap(err)
	}
	return path, nil
}

// Chunks returns the indices of chunk files currently present, sorted.
func (dir *Dir) Chunks(modelID uuid.UUID) ([]int, error) {
	entries, err := os.ReadDir(dir.modelDir(modelID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var indices []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "model.zip.part") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, "model.zip.part"))
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

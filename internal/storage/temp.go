package storage

import (
	"context"
	"io"
	"os"

	"github.com/xuan1250/transfer2read/internal/types"
)

// FetchToTemp downloads an object to a temporary file and returns its
// path together with a cleanup function. The PDF splitter needs a real
// file on disk.
func FetchToTemp(ctx context.Context, store ObjectStore, ref string) (string, func(), error) {
	rc, err := store.Get(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "transfer2read-*.pdf")
	if err != nil {
		return "", nil, &types.StorageError{Op: "tempfile", Ref: ref, Cause: err}
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", nil, &types.StorageError{Op: "download", Ref: ref, Cause: err}
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, &types.StorageError{Op: "download", Ref: ref, Cause: err}
	}
	return f.Name(), cleanup, nil
}

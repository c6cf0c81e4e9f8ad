package session

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// writeFileAtomic writes data next to path under a unique temporary name and
// renames it into place. Readers never observe a partially written file, and
// the temporary file is removed if anything fails.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return &FilesystemError{Op: "create", Path: tmp, Err: err}
	}

	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return &FilesystemError{Op: "write", Path: tmp, Err: werr}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

package disk

import (
	"io/fs"
	"path/filepath"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

// BlockSize is the allocation unit of the raw image file
const BlockSize = 4096

// StagedSize returns the bytes occupied by regular files and symlinks below
// dir. Directories and special files are not counted.
func StagedSize(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, errors.NewIOError("staged_size", "failed to measure staged content", err)
	}
	return total, nil
}

// ImageSize returns twice the staged size plus reserve, rounded down to whole
// blocks. The estimate is deliberately generous rather than exact.
func ImageSize(staged uint64, reserve int64) uint64 {
	blocks := (2*staged + uint64(reserve)) / BlockSize
	return blocks * BlockSize
}

package evidence

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// openLogical opens a directory of collected files. The media is the
// concatenation of every non-empty regular file under the directory in
// the lexical order filepath.WalkDir visits them.
func openLogical(paths []string, o *imageOptions) (Backend, error) {
	if len(paths) != 1 {
		return nil, wrongType(TypeLogical, "%d paths given", len(paths))
	}
	root := paths[0]
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	if !fi.IsDir() {
		return nil, wrongType(TypeLogical, "%s is not a directory", root)
	}

	var files []string
	var sizes []int64
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return nil
		}
		files = append(files, path)
		sizes = append(sizes, info.Size())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: walk %s: %w", root, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s holds no files", ErrUnsupportedFormat, root)
	}
	if len(files) > MaxSegments {
		return nil, fmt.Errorf("%w: %d files", ErrTooManySegments, len(files))
	}
	r, err := newRawBackend(files, sizes, false, o)
	if err != nil {
		return nil, err
	}
	r.label = "Logical files"
	return r, nil
}

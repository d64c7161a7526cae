package source

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DirOpener opens directories of JPEG/PNG frames. Frames are replayed in file name order
type DirOpener struct{}

// Open implements Opener
func (DirOpener) Open(ref string) (Source, error) {
	return OpenDir(ref)
}

// DirSource replays image files of a directory
type DirSource struct {
	dir    string
	files  []string
	cursor int
	closed bool
}

// OpenDir lists frames of directory. Directory without images is an error
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read frames directory '%s'", dir)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("No frames in directory '%s'", dir)
	}
	sort.Strings(files)
	return &DirSource{dir: dir, files: files}, nil
}

// Next implements Source
func (s *DirSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, errors.Errorf("Source '%s' is closed", s.dir)
	}
	if s.cursor >= len(s.files) {
		return nil, ErrEndOfStream
	}
	path := s.files[s.cursor]
	s.cursor++
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open frame '%s'", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't decode frame '%s'", path)
	}
	return img, nil
}

// Rewind implements Source
func (s *DirSource) Rewind() error {
	if s.closed {
		return errors.Errorf("Source '%s' is closed", s.dir)
	}
	s.cursor = 0
	return nil
}

// Close implements Source
func (s *DirSource) Close() error {
	s.closed = true
	return nil
}

// Len returns number of frames
func (s *DirSource) Len() int {
	return len(s.files)
}

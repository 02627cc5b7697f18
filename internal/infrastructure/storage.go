package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/google/uuid"
)

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".ogg":  true,
	".m4a":  true,
	".webm": true,
	".aac":  true,
}

// FileAudioStore keeps uploaded recordings as flat files in one directory.
type FileAudioStore struct {
	dir      string
	maxBytes int64
}

func NewFileAudioStore(dir string, maxBytes int64) (*FileAudioStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid audio directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}
	return &FileAudioStore{dir: abs, maxBytes: maxBytes}, nil
}

// Save writes src as <uuid><ext>. Unknown extensions are stored as .bin.
func (s *FileAudioStore) Save(ctx context.Context, original string, src io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(original))
	if !audioExtensions[ext] {
		ext = ".bin"
	}
	name := uuid.NewString() + ext

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create audio file: %w", err)
	}

	reader := src
	if s.maxBytes > 0 {
		reader = io.LimitReader(src, s.maxBytes+1)
	}
	n, err := io.Copy(f, reader)
	closeErr := f.Close()
	switch {
	case err == nil && closeErr != nil:
		err = closeErr
	case err == nil && ctx.Err() != nil:
		err = ctx.Err()
	case err == nil && s.maxBytes > 0 && n > s.maxBytes:
		err = core.ErrAudioTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(s.dir, name))
		return "", err
	}
	return name, nil
}

// Remove deletes a stored file.
func (s *FileAudioStore) Remove(name string) error {
	p, err := s.Path(name)
	if errors.Is(err, core.ErrAudioNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Path resolves a stored name. Names containing separators or dot segments are
// treated as missing so a request can never leave the audio directory.
func (s *FileAudioStore) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", core.ErrAudioNotFound
	}
	p := filepath.Join(s.dir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", core.ErrAudioNotFound
	}
	return p, nil
}

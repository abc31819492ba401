// Package scratch owns the lifecycle of uploaded job inputs. Every job gets
// a Scope that acquires files under the scratch directory and releases all
// of them exactly once, no matter which path the job took to its end.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"iavatar/internal/file"
)

const (
	imageSuffix = "_image.jpg"
	audioSuffix = "_audio.wav"
)

// Store manages the scratch directory.
type Store struct {
	dir string
}

// NewStore prepares the scratch directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("empty scratch dir")
	}
	if err := file.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the scratch directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Begin opens a scope for one job token.
func (s *Store) Begin(token string) *Scope {
	return &Scope{token: token, dir: s.dir}
}

// Sweep removes leftover input files from previous runs. Only files matching
// the scratch naming convention are touched. Returns the number removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, imageSuffix) && !strings.HasSuffix(name, audioSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			log.Warn().Err(err).Str("path", name).Msg("failed to sweep scratch file")
			continue
		}
		removed++
	}
	return removed, nil
}

// Scope tracks the scratch files acquired for a single job. Release is
// idempotent; only the first call deletes.
type Scope struct {
	token string
	dir   string

	mu       sync.Mutex
	paths    []string
	released bool
}

// Token returns the job token the scope belongs to.
func (sc *Scope) Token() string {
	return sc.token
}

// SaveImage persists the uploaded source image and returns its path.
func (sc *Scope) SaveImage(r io.Reader) (string, error) {
	return sc.save(sc.token+imageSuffix, r)
}

// SaveAudio persists the uploaded driving audio and returns its path.
func (sc *Scope) SaveAudio(r io.Reader) (string, error) {
	return sc.save(sc.token+audioSuffix, r)
}

func (sc *Scope) save(name string, r io.Reader) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.released {
		return "", errors.New("scope already released")
	}
	path := filepath.Join(sc.dir, name)
	if err := file.CopyAtomic(path, r); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	sc.paths = append(sc.paths, path)
	return path, nil
}

// Release deletes every file the scope acquired. Removal failures are
// logged and swallowed.
func (sc *Scope) Release() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.released {
		return
	}
	sc.released = true
	for _, path := range sc.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove scratch file")
		}
	}
	sc.paths = nil
}

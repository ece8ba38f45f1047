// Package storage persists uploaded source bundles and produced build
// artifacts under a local root directory, keyed by job ID. Every filename
// derived from request input is sanitized and the resolved path re-checked
// against the root, so a hostile job ID or upload name can never write or
// read outside it. Writes enforce per-category byte limits incrementally
// and remove partial files on failure.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a requested bundle or artifact does not exist.
	ErrNotFound = errors.New("stored file not found")
	// ErrPathEscape is returned when a derived path would resolve outside
	// the storage root. This always fails closed; no fallback sanitization
	// is attempted.
	ErrPathEscape = errors.New("path escapes storage root")
	// ErrTooLarge is returned when a write exceeds its category size limit.
	// The partial file is removed before the error is returned.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrBadName is returned when sanitization leaves nothing usable.
	ErrBadName = errors.New("invalid file name")
)

const (
	// DefaultMaxBundleBytes caps uploaded source bundles (500 MiB).
	DefaultMaxBundleBytes int64 = 500 << 20
	// DefaultMaxArtifactBytes caps uploaded build artifacts (2 GiB).
	DefaultMaxArtifactBytes int64 = 2 << 30

	bundleSuffix = ".tar.gz"
)

// Config configures a Store.
type Config struct {
	Root             string
	MaxBundleBytes   int64
	MaxArtifactBytes int64
}

// Store is the filesystem-backed bundle and artifact store. Construct with
// New and call Init exactly once before use; using an uninitialized Store is
// a programming error and panics.
type Store struct {
	root        string
	bundleDir   string
	artifactDir string
	maxBundle   int64
	maxArtifact int64
	ready       bool
}

// New creates a Store. Zero limits fall back to the defaults.
func New(cfg Config) *Store {
	if cfg.MaxBundleBytes <= 0 {
		cfg.MaxBundleBytes = DefaultMaxBundleBytes
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	return &Store{
		root:        cfg.Root,
		bundleDir:   filepath.Join(cfg.Root, "bundles"),
		artifactDir: filepath.Join(cfg.Root, "artifacts"),
		maxBundle:   cfg.MaxBundleBytes,
		maxArtifact: cfg.MaxArtifactBytes,
	}
}

// Init creates the storage directories. It must be called once before any
// other method.
func (s *Store) Init() error {
	for _, dir := range []string{s.bundleDir, s.artifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	s.ready = true
	return nil
}

func (s *Store) mustBeReady() {
	if !s.ready {
		panic("storage: used before Init")
	}
}

// SaveBundle streams a job's source bundle into the store and returns the
// absolute path of the stored file.
func (s *Store) SaveBundle(jobID string, r io.Reader) (string, error) {
	s.mustBeReady()

	name, err := sanitizeName(jobID)
	if err != nil {
		return "", fmt.Errorf("bundle name: %w", err)
	}
	path, err := resolveUnder(s.bundleDir, name+bundleSuffix)
	if err != nil {
		return "", err
	}
	if err := writeLimited(path, r, s.maxBundle); err != nil {
		return "", err
	}
	return path, nil
}

// SaveBundleBytes is SaveBundle for an in-memory payload.
func (s *Store) SaveBundleBytes(jobID string, data []byte) (string, error) {
	return s.SaveBundle(jobID, bytes.NewReader(data))
}

// BundlePath returns the path of a job's stored bundle, or ErrNotFound.
func (s *Store) BundlePath(jobID string) (string, error) {
	s.mustBeReady()

	name, err := sanitizeName(jobID)
	if err != nil {
		return "", fmt.Errorf("bundle name: %w", err)
	}
	path, err := resolveUnder(s.bundleDir, name+bundleSuffix)
	if err != nil {
		return "", err
	}
	return statPath(path)
}

// SaveArtifact streams a build artifact into the store under the job's
// prefix and returns the absolute path of the stored file. The original
// name is reduced to a sanitized basename before use.
func (s *Store) SaveArtifact(jobID, originalName string, r io.Reader) (string, error) {
	s.mustBeReady()

	path, err := s.artifactPath(jobID, originalName)
	if err != nil {
		return "", err
	}
	if err := writeLimited(path, r, s.maxArtifact); err != nil {
		return "", err
	}
	return path, nil
}

// SaveArtifactBytes is SaveArtifact for an in-memory payload.
func (s *Store) SaveArtifactBytes(jobID, originalName string, data []byte) (string, error) {
	return s.SaveArtifact(jobID, originalName, bytes.NewReader(data))
}

// ArtifactPath returns the path of a stored artifact, or ErrNotFound.
func (s *Store) ArtifactPath(jobID, filename string) (string, error) {
	s.mustBeReady()

	path, err := s.artifactPath(jobID, filename)
	if err != nil {
		return "", err
	}
	return statPath(path)
}

// StoredName returns the artifact filename as stored (job prefix applied),
// for recording on the job and announcing in events.
func (s *Store) StoredName(jobID, originalName string) (string, error) {
	id, err := sanitizeName(jobID)
	if err != nil {
		return "", fmt.Errorf("job id: %w", err)
	}
	name, err := sanitizeName(originalName)
	if err != nil {
		return "", fmt.Errorf("artifact name: %w", err)
	}
	return id + "_" + name, nil
}

func (s *Store) artifactPath(jobID, name string) (string, error) {
	stored, err := s.StoredName(jobID, name)
	if err != nil {
		return "", err
	}
	return resolveUnder(s.artifactDir, stored)
}

// DeleteJobFiles removes the job's bundle and every artifact stored under
// the job's prefix. Missing files are fine; a job whose files are already
// gone deletes cleanly.
func (s *Store) DeleteJobFiles(jobID string) error {
	s.mustBeReady()

	id, err := sanitizeName(jobID)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}

	var errs []error

	bundle, err := resolveUnder(s.bundleDir, id+bundleSuffix)
	if err != nil {
		errs = append(errs, err)
	} else if err := os.Remove(bundle); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Join(errs...)
		}
		return errors.Join(append(errs, err)...)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), id+"_") {
			continue
		}
		if err := os.Remove(filepath.Join(s.artifactDir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func statPath(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return path, nil
}

// writeLimited copies r into path, enforcing the byte limit as it streams.
// Any failure, including an over-limit payload, removes the partial file.
func writeLimited(path string, r io.Reader, limit int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	// Reading one byte past the limit detects oversize payloads without
	// buffering or consuming the rest of the stream.
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err == nil && n > limit {
		err = fmt.Errorf("%w (%d byte cap)", ErrTooLarge, limit)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

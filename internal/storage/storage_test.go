package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s := New(cfg)
	require.NoError(t, s.Init())
	return s
}

func TestBundleRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{})

	path, err := s.SaveBundleBytes("job-1", []byte("tarball"))
	require.NoError(t, err)

	got, err := s.BundlePath("job-1")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(data))
}

func TestBundlePathMissing(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.BundlePath("never-saved")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{})

	path, err := s.SaveArtifactBytes("job-1", "app.ipa", []byte("binary"))
	require.NoError(t, err)
	assert.Equal(t, "job-1_app.ipa", filepath.Base(path))

	got, err := s.ArtifactPath("job-1", "app.ipa")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestArtifactTraversalStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	s := newTestStore(t, Config{Root: root})

	path, err := s.SaveArtifactBytes("job-1", "../../etc/passwd", []byte("nope"))
	if err == nil {
		abs, aerr := filepath.Abs(filepath.Join(root, "artifacts"))
		require.NoError(t, aerr)
		assert.True(t, strings.HasPrefix(path, abs+string(filepath.Separator)),
			"stored path %q must stay under the artifact root", path)
	}
	// Either way /etc/passwd-adjacent paths must not exist under the temp parent.
	_, err = os.Stat(filepath.Join(root, "..", "etc", "passwd"))
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactNameSanitized(t *testing.T) {
	s := newTestStore(t, Config{})

	path, err := s.SaveArtifactBytes("job-1", "a/b\\c\x00..d.apk", []byte("x"))
	require.NoError(t, err)

	base := filepath.Base(path)
	assert.NotContains(t, base, "..")
	assert.NotContains(t, base, "\x00")
	assert.Equal(t, "job-1_abcd.apk", base)
}

func TestHostileJobIDRejected(t *testing.T) {
	s := newTestStore(t, Config{})

	_, err := s.SaveBundleBytes("..", []byte("x"))
	assert.ErrorIs(t, err, ErrBadName)

	_, err = s.SaveArtifactBytes("///", "app.ipa", []byte("x"))
	assert.ErrorIs(t, err, ErrBadName)
}

func TestBundleSizeLimitOneByteOver(t *testing.T) {
	s := newTestStore(t, Config{MaxBundleBytes: 8})

	_, err := s.SaveBundleBytes("job-1", []byte("123456789"))
	require.ErrorIs(t, err, ErrTooLarge)

	// The aborted write must leave no file behind.
	_, err = s.BundlePath("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBundleSizeLimitExact(t *testing.T) {
	s := newTestStore(t, Config{MaxBundleBytes: 8})

	_, err := s.SaveBundleBytes("job-1", []byte("12345678"))
	assert.NoError(t, err)
}

func TestArtifactSizeLimitIndependent(t *testing.T) {
	s := newTestStore(t, Config{MaxBundleBytes: 4, MaxArtifactBytes: 64})

	_, err := s.SaveArtifactBytes("job-1", "app.ipa", []byte("longer than four bytes"))
	assert.NoError(t, err, "artifact cap is independent of the bundle cap")
}

func TestDeleteJobFiles(t *testing.T) {
	s := newTestStore(t, Config{})

	_, err := s.SaveBundleBytes("job-1", []byte("b"))
	require.NoError(t, err)
	_, err = s.SaveArtifactBytes("job-1", "app.ipa", []byte("a"))
	require.NoError(t, err)
	_, err = s.SaveArtifactBytes("job-1", "symbols.zip", []byte("s"))
	require.NoError(t, err)
	// A different job's files must survive.
	otherBundle, err := s.SaveBundleBytes("job-2", []byte("b2"))
	require.NoError(t, err)
	otherArtifact, err := s.SaveArtifactBytes("job-2", "app.ipa", []byte("a2"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteJobFiles("job-1"))

	_, err = s.BundlePath("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ArtifactPath("job-1", "app.ipa")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ArtifactPath("job-1", "symbols.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.FileExists(t, otherBundle)
	assert.FileExists(t, otherArtifact)
}

func TestDeleteJobFilesIdempotent(t *testing.T) {
	s := newTestStore(t, Config{})

	assert.NoError(t, s.DeleteJobFiles("never-existed"))

	_, err := s.SaveBundleBytes("job-1", []byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.DeleteJobFiles("job-1"))
	assert.NoError(t, s.DeleteJobFiles("job-1"))
}

func TestUseBeforeInitPanics(t *testing.T) {
	s := New(Config{Root: t.TempDir()})
	assert.Panics(t, func() {
		_, _ = s.SaveBundleBytes("job-1", []byte("x"))
	})
}

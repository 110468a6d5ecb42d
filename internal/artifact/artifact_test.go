package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 17, 9, 30, 5, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// sequenceSuffix returns the given suffixes in order and repeats the last one.
func sequenceSuffix(values ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

func TestFileName(t *testing.T) {
	n := namer{now: fixedClock, suffix: func() string { return "abc123" }}

	got, err := n.fileName("alice", "recording", ".WAV")
	require.NoError(t, err)
	assert.Equal(t, "alice_recording_20240517_093005_abc123.wav", got)

	for _, tc := range []struct{ user, name, ext string }{
		{"", "recording", "wav"},
		{"..", "recording", "wav"},
		{"a/b", "recording", "wav"},
		{`a\b`, "recording", "wav"},
		{"alice", "", "wav"},
		{"alice", "x y", "wav"},
		{"alice", "recording", ""},
	} {
		_, err := n.fileName(tc.user, tc.name, tc.ext)
		assert.ErrorIs(t, err, ErrInvalidName, "user=%q name=%q ext=%q", tc.user, tc.name, tc.ext)
	}
}

func TestDefaultNamer_SuffixesDiffer(t *testing.T) {
	n := defaultNamer()
	a, b := n.suffix(), n.suffix()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}

func TestOwnerOf(t *testing.T) {
	user, err := ownerOf("bob/bob_summary_20240517_093005_x.mp3")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	for _, key := range []string{
		"bob",
		"bob/",
		"bob/alice_summary.mp3",
		"../bob/bob_x.mp3",
		"bob/sub/bob_x.mp3",
	} {
		_, err := ownerOf(key)
		assert.ErrorIs(t, err, ErrInvalidName, key)
	}
}

// ---- FS ---------------------------------------------------------------------

func TestFS_SaveOpenRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "artifacts")
	s, err := NewFS(root, WithFSClock(fixedClock), WithFSSuffix(func() string { return "s1" }))
	require.NoError(t, err)

	ref, err := s.Save(context.Background(), "alice", "recording", "wav", []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alice", "alice_recording_20240517_093005_s1.wav"), ref)

	rc, err := s.Open(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	owner, err := s.Owner(ref)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestFS_SaveRetriesOnCollision(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root, WithFSClock(fixedClock), WithFSSuffix(sequenceSuffix("same", "same", "other")))
	require.NoError(t, err)

	first, err := s.Save(context.Background(), "alice", "recording", "wav", []byte("one"))
	require.NoError(t, err)
	second, err := s.Save(context.Background(), "alice", "recording", "wav", []byte("two"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data), "existing artifact must not be overwritten")
	assert.True(t, strings.HasSuffix(second, "_other.wav"), second)
}

func TestFS_SaveGivesUpAfterRepeatedCollisions(t *testing.T) {
	s, err := NewFS(t.TempDir(), WithFSClock(fixedClock), WithFSSuffix(func() string { return "fixed" }))
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "alice", "recording", "wav", []byte("one"))
	require.NoError(t, err)
	_, err = s.Save(context.Background(), "alice", "recording", "wav", []byte("two"))
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestFS_SaveConcurrentSameSecond(t *testing.T) {
	s, err := NewFS(t.TempDir(), WithFSClock(fixedClock))
	require.NoError(t, err)

	const n = 16
	refs := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.Save(context.Background(), "alice", "recording", "wav", []byte{byte(i)})
			assert.NoError(t, err)
			refs[i] = ref
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, ref := range refs {
		assert.False(t, seen[ref], "duplicate ref %s", ref)
		seen[ref] = true
	}
}

func TestFS_OpenRejectsForeignReferences(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	for _, ref := range []string{
		outside,
		filepath.Join(root, "..", "etc", "passwd"),
		root,
		filepath.Join(root, "alice", "bob_recording.wav"),
	} {
		_, err := s.Open(context.Background(), ref)
		assert.ErrorIs(t, err, ErrInvalidName, ref)
	}

	_, err = s.Open(context.Background(), filepath.Join(root, "alice", "alice_missing.wav"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFS_SaveCancelledContext(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Save(ctx, "alice", "recording", "wav", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFS_Check(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)
	require.NoError(t, s.Check(context.Background()))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file must be removed")
}

func TestNewFS_EmptyRoot(t *testing.T) {
	_, err := NewFS("")
	assert.Error(t, err)
}

func TestFS_SaveInvalidUser(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "../evil", "recording", "wav", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidName))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestValidUserID_MatchesSave(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, tc := range []struct {
		id   string
		want bool
	}{
		{"alice", true},
		{"김민지", true},
		{"kim+notes@example.com", true},
		{"bob smith", false},
		{"bob#1", false},
		{"a:b", false},
		{"..", false},
		{"", false},
	} {
		assert.Equal(t, tc.want, ValidUserID(tc.id), "ValidUserID(%q)", tc.id)
		_, err := s.Save(context.Background(), tc.id, "recording", "wav", []byte("x"))
		assert.Equal(t, tc.want, err == nil, "Save(%q) err = %v", tc.id, err)
	}
}

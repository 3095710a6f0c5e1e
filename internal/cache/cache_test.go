package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pinpoint/internal/types"
)

func openTestStore(t *testing.T, dir string, strategy types.CacheStrategy) *Store {
	t.Helper()
	s, err := Open(dir, "test-suite", strategy, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := Key{Type: types.InteractionLocate, Prompt: "the login button"}

	s := openTestStore(t, dir, types.StrategyReadWrite)
	s.Put(key, Entry{XPaths: []string{"/html[1]/body[1]/button[2]"}})
	require.NoError(t, s.Flush())

	reopened := openTestStore(t, dir, types.StrategyReadWrite)
	got, ok := reopened.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"/html[1]/body[1]/button[2]"}, got.XPaths)
	assert.Nil(t, got.Box)
}

func TestBoxFallbackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := Key{Type: types.InteractionClick, Prompt: "center of the canvas"}

	s := openTestStore(t, dir, types.StrategyReadWrite)
	s.Put(key, Entry{Box: []float64{100, 200, 140, 240}})
	require.NoError(t, s.Flush())

	reopened := openTestStore(t, dir, types.StrategyReadWrite)
	got, ok := reopened.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float64{100, 200, 140, 240}, got.Box)
	assert.Empty(t, got.XPaths)
}

func TestKeyRequiresExactPromptAndType(t *testing.T) {
	s := openTestStore(t, t.TempDir(), types.StrategyReadWrite)
	s.Put(Key{Type: types.InteractionLocate, Prompt: "submit"}, Entry{XPaths: []string{"/html[1]"}})

	_, ok := s.Get(Key{Type: types.InteractionLocate, Prompt: "Submit"})
	assert.False(t, ok, "prompt match must be exact")
	_, ok = s.Get(Key{Type: types.InteractionClick, Prompt: "submit"})
	assert.False(t, ok, "type must match")
}

func TestWriteOnlyNeverReads(t *testing.T) {
	dir := t.TempDir()
	key := Key{Type: types.InteractionLocate, Prompt: "search box"}

	seed := openTestStore(t, dir, types.StrategyReadWrite)
	seed.Put(key, Entry{XPaths: []string{"/html[1]/body[1]/input[1]"}})
	require.NoError(t, seed.Flush())

	wo := openTestStore(t, dir, types.StrategyWriteOnly)
	_, ok := wo.Get(key)
	assert.False(t, ok, "write-only lookups always miss")

	wo.Put(key, Entry{XPaths: []string{"/html[1]/body[1]/input[2]"}})
	require.NoError(t, wo.Flush())

	fresh := openTestStore(t, dir, types.StrategyReadWrite)
	got, ok := fresh.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"/html[1]/body[1]/input[2]"}, got.XPaths, "write-only flush replaces the file")
}

func TestReadOnlyNeverWrites(t *testing.T) {
	dir := t.TempDir()
	key := Key{Type: types.InteractionLocate, Prompt: "avatar"}

	seed := openTestStore(t, dir, types.StrategyReadWrite)
	seed.Put(key, Entry{Box: []float64{1, 2, 3, 4}})
	require.NoError(t, seed.Flush())
	before, err := os.ReadFile(seed.Path())
	require.NoError(t, err)

	ro := openTestStore(t, dir, types.StrategyReadOnly)
	got, ok := ro.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, got.Box)

	ro.Put(Key{Type: types.InteractionLocate, Prompt: "new"}, Entry{Box: []float64{9}})
	require.NoError(t, ro.Flush())

	after, err := os.ReadFile(seed.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "read-only store must not touch the file")
}

func TestPutOverwritesKeepingOrder(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, types.StrategyReadWrite)
	a := Key{Type: types.InteractionLocate, Prompt: "a"}
	b := Key{Type: types.InteractionLocate, Prompt: "b"}
	s.Put(a, Entry{Box: []float64{1}})
	s.Put(b, Entry{Box: []float64{2}})
	s.Put(a, Entry{Box: []float64{3}})
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	text := string(data)
	assert.Less(t, strings.Index(text, "prompt: a"), strings.Index(text, "prompt: b"))

	reopened := openTestStore(t, dir, types.StrategyReadWrite)
	got, _ := reopened.Get(a)
	assert.Equal(t, []float64{3}, got.Box)
	assert.Equal(t, 2, reopened.Stats().TotalRecords)
}

func TestRejectUnknownFormatVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SanitizeID("test-suite")+".cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("formatVersion: 99\ncacheId: test-suite\nrecords: []\n"), 0o644))

	_, err := Open(dir, "test-suite", types.StrategyReadWrite, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format version 99")
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	_, err := Open(t.TempDir(), "x", types.CacheStrategy("sideways"), zap.NewNop())
	require.Error(t, err)
}

func TestStatsCountsMatches(t *testing.T) {
	s := openTestStore(t, t.TempDir(), types.StrategyReadWrite)
	a := Key{Type: types.InteractionLocate, Prompt: "a"}
	s.Put(a, Entry{Box: []float64{1}})
	s.Put(Key{Type: types.InteractionLocate, Prompt: "b"}, Entry{Box: []float64{2}})
	s.MarkMatched(a)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalRecords)
	assert.Equal(t, 1, st.MatchedRecords)
	assert.Equal(t, types.StrategyReadWrite, st.Strategy)
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain-id", "plain-id"},
		{"has space", "has-space"},
		{`a/b\c:d`, "a_b_c_d"},
		{`quo"te<and>pipe|q?star*`, "quo_te_and_pipe_q_star_"},
		{"", "default"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeID(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeIDLongIDsStayDistinct(t *testing.T) {
	long1 := strings.Repeat("a", 300) + "one"
	long2 := strings.Repeat("a", 300) + "two"
	s1 := SanitizeID(long1)
	s2 := SanitizeID(long2)
	assert.NotEqual(t, s1, s2)
	assert.LessOrEqual(t, len(s1), maxCacheIDLen)
	assert.True(t, strings.HasPrefix(s1, "aaaa"))
}

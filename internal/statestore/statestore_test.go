package statestore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeTriggerID_ReplacesUnsafeChars(t *testing.T) {
	assert.Equal(t, "a_b_c_d", SanitizeTriggerID("a/b\\c.d"))
}

func TestFileStore_LoadDefaultsToEnabledWhenMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	st, err := store.Load("nightly-build")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, 0, st.ExecutionCount)
}

func TestFileStore_SaveThenLoadRoundTrips(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	lastFired := int64(1700000000)
	want := &TriggerState{
		Enabled:             false,
		LastFiredAt:         &lastFired,
		ExecutionCount:      4,
		ConsecutiveFailures: 2,
	}
	require.NoError(t, store.Save("nightly/build", want))

	got, err := store.Load("nightly/build")
	require.NoError(t, err)
	assert.Equal(t, want.Enabled, got.Enabled)
	assert.Equal(t, want.ExecutionCount, got.ExecutionCount)
	assert.Equal(t, want.ConsecutiveFailures, got.ConsecutiveFailures)
	require.NotNil(t, got.LastFiredAt)
	assert.Equal(t, lastFired, *got.LastFiredAt)
}

func TestFileStore_SaveIsAtomic_NoTempFilesSurvive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("trigger-a", &TriggerState{Enabled: true}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestFileStore_SaveLastResult(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.SaveLastResult("trigger-a", map[string]string{"status": "SUCCEEDED"}))

	data, err := os.ReadFile(filepath.Join(dir, "trigger-a.last-result.json"))
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "SUCCEEDED", decoded["status"])
}

func TestFileStore_AppendExecutionRecord_AppendsOneLinePerCall(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.AppendExecutionRecord("trigger-a", ExecutionRecord{Timestamp: 1, Action: "FIRED"}))
	require.NoError(t, store.AppendExecutionRecord("trigger-a", ExecutionRecord{Timestamp: 2, Action: "SUCCEEDED"}))

	f, err := os.Open(filepath.Join(dir, "trigger-a.log.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first ExecutionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "FIRED", first.Action)
}

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to TaskStatus }{
		{StatusInitializing, StatusPlanning},
		{StatusPlanning, StatusSearching},
		{StatusSearching, StatusAnalyzing},
		{StatusAnalyzing, StatusPlanning},
		{StatusAnalyzing, StatusValidating},
		{StatusValidating, StatusReporting},
		{StatusReporting, StatusCompleted},
		{StatusPlanning, StatusFailed},
		{StatusReporting, StatusFailed},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to TaskStatus }{
		{StatusInitializing, StatusSearching},
		{StatusPlanning, StatusValidating},
		{StatusSearching, StatusPlanning},
		{StatusValidating, StatusCompleted},
		{StatusCompleted, StatusPlanning},
		{StatusFailed, StatusPlanning},
		{StatusCompleted, StatusFailed},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestAddFindingDeduplicates(t *testing.T) {
	task := NewTask("t1", "quantum error correction", nil, 3)

	f1 := Finding{ID: FindingID("surface codes"), Content: "surface codes", SourceRef: "https://a.example/1"}
	f2 := Finding{ID: FindingID("surface codes"), Content: "surface codes", SourceRef: "https://b.example/2"}
	f3 := Finding{ID: FindingID("stabilizer formalism"), Content: "stabilizer formalism", SourceRef: "https://a.example/3"}

	require.True(t, task.AddFinding(f1))
	require.False(t, task.AddFinding(f2), "same content hash must be suppressed")
	require.True(t, task.AddFinding(f3))
	assert.Len(t, task.Findings, 2)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	task := NewTask("t1", "topic", map[string]string{"scope": "recent"}, 3)
	task.AddFinding(Finding{ID: FindingID("x"), Content: "x"})
	task.Gaps = []string{"gap-a"}
	task.QueryHistory = []string{"q1"}
	task.Validation = &ValidationResult{Valid: true, Confidence: 0.9, Concerns: []string{"c1"}}

	snap := task.Snapshot()
	snap.Clarifications["scope"] = "mutated"
	snap.Gaps[0] = "mutated"
	snap.QueryHistory[0] = "mutated"
	snap.Validation.Concerns[0] = "mutated"
	snap.Findings[0].Content = "mutated"

	assert.Equal(t, "recent", task.Clarifications["scope"])
	assert.Equal(t, "gap-a", task.Gaps[0])
	assert.Equal(t, "q1", task.QueryHistory[0])
	assert.Equal(t, "c1", task.Validation.Concerns[0])
	assert.Equal(t, "x", task.Findings[0].Content)
}

func TestCompletedAtOmittedWhileRunning(t *testing.T) {
	task := NewTask("t1", "topic", nil, 3)

	b, err := json.Marshal(task.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "completed_at")

	done := time.Now().UTC()
	task.CompletedAt = &done
	b, err = json.Marshal(task.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(b), "completed_at")

	// The snapshot carries its own copy of the timestamp.
	snap := task.Snapshot()
	*snap.CompletedAt = snap.CompletedAt.Add(time.Hour)
	assert.True(t, task.CompletedAt.Equal(done))
}

func TestFindingIDDeterministic(t *testing.T) {
	assert.Equal(t, FindingID("same content"), FindingID("same content"))
	assert.NotEqual(t, FindingID("a"), FindingID("b"))
	assert.Len(t, FindingID("a"), 64)
}

package scans_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/armoureye/internal/domain/scans"
)

func TestLogBufferEvictsOldestFirst(t *testing.T) {
	buf := scans.NewLogBuffer(scans.DefaultLogLimit)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 1200; i++ {
		buf.Append(scans.LogEntry{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Level:     scans.LogInfo,
			Source:    "orchestrator",
			Message:   fmt.Sprintf("line %d", i),
		})
	}

	entries := buf.Entries()
	require.Len(t, entries, 1000)
	assert.Equal(t, "line 200", entries[0].Message)
	assert.Equal(t, "line 1199", entries[999].Message)
	assert.Equal(t, 1000, buf.Len())
}

func TestLogBufferSmall(t *testing.T) {
	buf := scans.NewLogBuffer(2)
	buf.Append(scans.LogEntry{Message: "a"})
	buf.Append(scans.LogEntry{Message: "b"})
	buf.Append(scans.LogEntry{Message: "c"})

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Message)
	assert.Equal(t, "c", entries[1].Message)
}

func TestJobCloneIsIndependent(t *testing.T) {
	now := time.Now()
	j := &scans.Job{
		ID:      "s1",
		EndedAt: &now,
		Logs:    []scans.LogEntry{{Message: "x"}},
		Results: map[string]scans.ToolResult{"nmap": {Tool: scans.ToolNmap, Success: true}},
	}
	c := j.Clone()
	c.Logs[0].Message = "y"
	c.Results["trivy"] = scans.ToolResult{}

	assert.Equal(t, "x", j.Logs[0].Message)
	assert.Len(t, j.Results, 1)
	assert.NotSame(t, j.EndedAt, c.EndedAt)
}

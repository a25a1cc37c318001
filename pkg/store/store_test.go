package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleet/pkg/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	w := &types.Worker{
		Identity: types.Identity{ID: "feat", Repo: "r", CreatedAt: time.Now()},
		State:    types.StateWorking,
	}
	require.NoError(t, s.Save(w))

	loaded, err := s.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, types.StateWorking, loaded.State)
	assert.Equal(t, "feat", loaded.ID)

	assert.FileExists(t, filepath.Join(s.root, "feat", "state.json"))
	assert.FileExists(t, filepath.Join(s.root, "registry.json"))
}

func TestLoadAllAndRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(&types.Worker{Identity: types.Identity{ID: "a"}, State: types.StateWorking}))
	require.NoError(t, s.Save(&types.Worker{Identity: types.Identity{ID: "b"}, State: types.StateMerged}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Remove("b"))
	_, err = s.Load("b")
	assert.Error(t, err)
}

func TestAppendAndReadOutputTail(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendOutput("w", `{"n":`+string(rune('0'+i))+`}`))
	}

	lines, err := s.ReadOutput("w", 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestAppendOutputRotatesPastThreshold(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	orig := outputRotateThreshold
	outputRotateThreshold = 5
	defer func() { outputRotateThreshold = orig }()

	require.NoError(t, s.AppendOutput("w", `{"n":0}`))
	require.NoError(t, s.AppendOutput("w", `{"n":1}`))

	entries, err := os.ReadDir(filepath.Join(s.root, "w"))
	require.NoError(t, err)

	var rotated, current int
	for _, e := range entries {
		switch {
		case e.Name() == "output.jsonl":
			current++
		case strings.HasPrefix(e.Name(), "output-") && strings.HasSuffix(e.Name(), ".jsonl"):
			rotated++
		}
	}
	assert.Equal(t, 1, current, "a fresh output.jsonl should exist after rotation")
	assert.Equal(t, 1, rotated, "the oversized file should have been rotated out")
}

func TestCleanupRemovesOldTerminalWorkersOnly(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	old := &types.Worker{Identity: types.Identity{ID: "old"}, State: types.StateMerged, LastActivity: time.Now().Add(-48 * time.Hour)}
	recent := &types.Worker{Identity: types.Identity{ID: "recent"}, State: types.StateMerged, LastActivity: time.Now()}
	active := &types.Worker{Identity: types.Identity{ID: "active"}, State: types.StateWorking, LastActivity: time.Now().Add(-72 * time.Hour)}

	require.NoError(t, s.Save(old))
	require.NoError(t, s.Save(recent))
	require.NoError(t, s.Save(active))

	removed, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

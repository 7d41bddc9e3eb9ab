package engine

import (
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := CheckpointPath("tmp/session")

	cp := NewCheckpoint("session-1", "https://cdn.example/master.m3u8", "tmp/session")
	cp.MarkDone("video_1080", 0)
	cp.MarkDone("video_1080", 3)
	cp.MarkDone("audio_eng", 1)
	require.NoError(t, cp.Save(fs, path))

	loaded, err := LoadCheckpoint(fs, path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.True(t, loaded.Matches("session-1", "https://cdn.example/master.m3u8"))
	assert.True(t, loaded.IsDone("video_1080", 0))
	assert.True(t, loaded.IsDone("video_1080", 3))
	assert.False(t, loaded.IsDone("video_1080", 1))
	assert.Equal(t, 2, loaded.DoneCount("video_1080"))
	assert.Equal(t, 1, loaded.DoneCount("audio_eng"))
}

func TestCheckpointConcurrentSaves(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := CheckpointPath("tmp/session")
	cp := NewCheckpoint("session-1", "https://cdn.example/master.m3u8", "tmp/session")

	// Two pools marking and saving at once must never leave a torn file
	// behind; the last rename always holds valid JSON.
	renditions := []string{"video_1080", "audio_eng"}
	var wg sync.WaitGroup
	for _, id := range renditions {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				cp.MarkDone(id, i)
				assert.NoError(t, cp.Save(fs, path))
			}
		}()
	}
	wg.Wait()

	loaded, err := LoadCheckpoint(fs, path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	for _, id := range renditions {
		assert.Equal(t, 50, loaded.DoneCount(id))
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	cp, err := LoadCheckpoint(afero.NewMemMapFs(), "tmp/nope.checkpoint.json")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointMatches(t *testing.T) {
	cp := NewCheckpoint("session-1", "https://cdn.example/a.m3u8", "tmp/s")
	assert.True(t, cp.Matches("session-1", "https://cdn.example/a.m3u8"))
	assert.False(t, cp.Matches("session-2", "https://cdn.example/a.m3u8"))
	assert.False(t, cp.Matches("session-1", "https://cdn.example/b.m3u8"))
}

func TestCheckpointDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := CheckpointPath("tmp/session")

	cp := NewCheckpoint("session-1", "u", "tmp/session")
	require.NoError(t, cp.Save(fs, path))
	require.NoError(t, cp.Delete(fs, path))

	loaded, err := LoadCheckpoint(fs, path)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is fine.
	require.NoError(t, cp.Delete(fs, path))
}

package segmux

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRequiresStart(t *testing.T) {
	mgr := NewManager()
	_, err := mgr.AddTask("t1", "https://example.com/master.m3u8", "out.mp4")
	require.Error(t, err)
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	mgr := NewManager(
		WithMaxConcurrent(1),
		WithDefaultOptions(WithTmpDir(t.TempDir())),
	)
	mgr.Start()
	defer mgr.Stop()

	_, err := mgr.AddTask("t1", ts.URL+"/a.m3u8", filepath.Join(t.TempDir(), "a.mp4"))
	require.NoError(t, err)

	_, err = mgr.AddTask("t1", ts.URL+"/b.m3u8", filepath.Join(t.TempDir(), "b.mp4"))
	require.Error(t, err)
}

func TestManagerFailsTaskOnBadManifest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	var mu sync.Mutex
	var failed []string
	mgr := NewManager(
		WithMaxConcurrent(1),
		WithDefaultOptions(WithTmpDir(t.TempDir())),
		WithOnError(func(task *Task, err error) {
			mu.Lock()
			failed = append(failed, task.ID)
			mu.Unlock()
		}),
	)
	mgr.Start()
	defer mgr.Stop()

	_, err := mgr.AddTask("bad", ts.URL+"/missing.m3u8", filepath.Join(t.TempDir(), "out.mp4"))
	require.NoError(t, err)

	require.Error(t, mgr.WaitForTask("bad"))

	task := mgr.GetTask("bad")
	require.NotNil(t, task)
	assert.Equal(t, TaskFailed, task.State)
	assert.Error(t, task.Error)

	mu.Lock()
	assert.Equal(t, []string{"bad"}, failed)
	mu.Unlock()

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Failed)
}

func TestManagerRunsTaskThroughSelection(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playlist)
	}))
	defer ts.Close()

	// A pre-existing output makes the download stop deterministically
	// right after parse and selection.
	out := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(out, []byte("previous output"), 0o644))

	var mu sync.Mutex
	var states []TaskState
	mgr := NewManager(
		WithMaxConcurrent(1),
		WithDefaultOptions(WithTmpDir(t.TempDir())),
		WithOnStateChange(func(task *Task) {
			mu.Lock()
			states = append(states, task.State)
			mu.Unlock()
		}),
	)
	mgr.Start()
	defer mgr.Stop()

	_, err := mgr.AddTask("t1", ts.URL+"/media.m3u8", out)
	require.NoError(t, err)

	err = mgr.WaitForTask("t1")
	require.ErrorIs(t, err, ErrOutputExists)

	task := mgr.GetTask("t1")
	require.NotNil(t, task)
	assert.Equal(t, TaskFailed, task.State)
	require.Len(t, task.Renditions, 1)
	require.Len(t, task.Selected, 1)
	assert.Equal(t, RenditionVideo, task.Selected[0].Kind())

	mu.Lock()
	assert.Contains(t, states, TaskParsing)
	assert.Contains(t, states, TaskDownloading)
	assert.Contains(t, states, TaskFailed)
	mu.Unlock()
}

func TestManagerRemoveTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	mgr := NewManager(
		WithMaxConcurrent(1),
		WithDefaultOptions(WithTmpDir(t.TempDir())),
	)
	mgr.Start()
	defer mgr.Stop()

	_, err := mgr.AddTask("t1", ts.URL+"/missing.m3u8", filepath.Join(t.TempDir(), "out.mp4"))
	require.NoError(t, err)
	require.Error(t, mgr.WaitForTask("t1"))

	require.NoError(t, mgr.RemoveTask("t1"))
	assert.Nil(t, mgr.GetTask("t1"))
	assert.Empty(t, mgr.GetAllTasks())

	require.Error(t, mgr.RemoveTask("t1"))
}

package engine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Checkpoint records which (rendition, segment index) pairs completed, so a
// rerun with the same session identity re-fetches at most the remainder.
type Checkpoint struct {
	SessionID string                  `json:"session_id"`
	URL       string                  `json:"url"`
	TempDir   string                  `json:"temp_dir"`
	Completed map[string]map[int]bool `json:"completed"` // rendition id -> indices
	CreatedAt time.Time               `json:"created_at"`

	mu sync.Mutex
}

// CheckpointPath returns the checkpoint file path for a session directory.
func CheckpointPath(sessionDir string) string {
	return sessionDir + ".checkpoint.json"
}

// NewCheckpoint creates a fresh checkpoint for a download session.
func NewCheckpoint(sessionID, url, tempDir string) *Checkpoint {
	return &Checkpoint{
		SessionID: sessionID,
		URL:       url,
		TempDir:   tempDir,
		Completed: make(map[string]map[int]bool),
		CreatedAt: time.Now(),
	}
}

// LoadCheckpoint loads a checkpoint from disk. A missing file is not an
// error; it just means there is nothing to resume.
func LoadCheckpoint(fs afero.Fs, path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp.Completed == nil {
		cp.Completed = make(map[string]map[int]bool)
	}
	return &cp, nil
}

// Matches reports whether this checkpoint belongs to the given session.
func (c *Checkpoint) Matches(sessionID, url string) bool {
	return c.SessionID == sessionID && c.URL == url
}

// MarkDone records a completed segment.
func (c *Checkpoint) MarkDone(renditionID string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Completed[renditionID] == nil {
		c.Completed[renditionID] = make(map[int]bool)
	}
	c.Completed[renditionID][index] = true
}

// IsDone reports whether a segment completed in this or a prior run.
func (c *Checkpoint) IsDone(renditionID string, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Completed[renditionID][index]
}

// DoneCount returns the number of completed segments for a rendition.
func (c *Checkpoint) DoneCount(renditionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Completed[renditionID])
}

// Save writes the checkpoint atomically. The whole write-and-rename runs
// under the checkpoint's lock; concurrent pools all save through the same
// temp file.
func (c *Checkpoint) Save(fs afero.Fs, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

// Delete removes the checkpoint file.
func (c *Checkpoint) Delete(fs afero.Fs, path string) error {
	err := fs.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

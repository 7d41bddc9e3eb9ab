package engine

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/mivren/segmux/internal/models"
)

// SegmentStore persists downloaded segments under a session directory,
// keyed by rendition id and sequence index. The directory is the unit of
// resumability: it survives failed runs and is removed only after a
// successful merge (when cleanup is enabled).
type SegmentStore struct {
	fs  afero.Fs
	dir string
}

// NewSegmentStore creates a store rooted at dir on the given filesystem.
func NewSegmentStore(fs afero.Fs, dir string) (*SegmentStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SegmentStore{fs: fs, dir: dir}, nil
}

// Dir returns the session directory.
func (s *SegmentStore) Dir() string { return s.dir }

// Fs exposes the backing filesystem, shared with the resume checkpoint.
func (s *SegmentStore) Fs() afero.Fs { return s.fs }

// SegmentPath returns the path for a segment slot. Slots are named by
// sequence index, never by completion order, so concatenation by sorted
// name equals manifest order.
func (s *SegmentStore) SegmentPath(renditionID string, index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%06d.seg", sanitizeID(renditionID), index))
}

// InitPath returns the path for a rendition's init segment.
func (s *SegmentStore) InitPath(renditionID string) string {
	return filepath.Join(s.dir, sanitizeID(renditionID)+"_init.seg")
}

// WriteSegment persists segment data to its slot. The write goes to a
// temporary name and is renamed into place so a cancelled run never leaves
// a torn slot behind.
func (s *SegmentStore) WriteSegment(renditionID string, index int, data []byte) error {
	return s.writeAtomic(s.SegmentPath(renditionID, index), data)
}

// WriteInit persists a rendition's init segment.
func (s *SegmentStore) WriteInit(renditionID string, data []byte) error {
	return s.writeAtomic(s.InitPath(renditionID), data)
}

func (s *SegmentStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit segment: %w", err)
	}
	return nil
}

// HasSegment reports whether a segment slot already holds data.
func (s *SegmentStore) HasSegment(renditionID string, index int) bool {
	info, err := s.fs.Stat(s.SegmentPath(renditionID, index))
	return err == nil && info.Size() > 0
}

// ReadInit returns a rendition's stored init segment, or nil when absent.
func (s *SegmentStore) ReadInit(renditionID string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.InitPath(renditionID))
	if err != nil {
		return nil, nil
	}
	return data, nil
}

// Concat streams a rendition's init segment (when present) and all segment
// slots in ascending sequence order into w. Returns the bytes written.
func (s *SegmentStore) Concat(rendition *models.Rendition, w io.Writer) (int64, error) {
	var total int64

	if rendition.InitSegment != nil {
		if data, _ := s.ReadInit(rendition.ID); len(data) > 0 {
			n, err := w.Write(data)
			if err != nil {
				return total, fmt.Errorf("write init segment: %w", err)
			}
			total += int64(n)
		}
	}

	segments := make([]*models.Segment, len(rendition.Segments))
	copy(segments, rendition.Segments)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })

	for _, seg := range segments {
		f, err := s.fs.Open(s.SegmentPath(rendition.ID, seg.Index))
		if err != nil {
			return total, fmt.Errorf("segment %d missing: %w", seg.Index, err)
		}
		n, err := io.Copy(w, f)
		f.Close()
		if err != nil {
			return total, fmt.Errorf("copy segment %d: %w", seg.Index, err)
		}
		total += n
	}

	return total, nil
}

// Remove deletes the session directory and everything in it.
func (s *SegmentStore) Remove() error {
	return s.fs.RemoveAll(s.dir)
}

// sanitizeID makes a rendition id safe for filenames.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(id)
}

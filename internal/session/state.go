package session

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/routing"
	"github.com/ardourgo/transportcore/internal/timeline"
)

// stateSnapshot is the engine-side state worth persisting between runs:
// markers, captured regions, transport position, and per-track settings.
// Playlist/region content itself lives with its owning store.
type stateSnapshot struct {
	Name      string            `yaml:"name"`
	SavedAt   time.Time         `yaml:"saved_at"`
	Position  int64             `yaml:"position"`
	End       int64             `yaml:"end"`
	Markers   []Marker          `yaml:"markers"`
	Tracks    []trackSnapshot   `yaml:"tracks"`
	Regions   []timeline.Region `yaml:"captured_regions,omitempty"`
}

type trackSnapshot struct {
	ID         string  `yaml:"id"`
	Gain       float32 `yaml:"gain"`
	Pan        float64 `yaml:"pan"`
	RecEnabled bool    `yaml:"rec_enabled"`
	AlignStyle string  `yaml:"align_style"`
}

// SaveState writes a named snapshot under the session's state directory.
func (s *Session) SaveState(name string) error {
	if s.stateDir == "" {
		return errors.Newf("no state directory configured").
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}

	s.mu.Lock()
	snap := stateSnapshot{
		Name:     name,
		SavedAt:  time.Now().UTC(),
		Position: s.transportFrame.Load(),
		End:      s.sessionEnd.Load(),
		Markers:  append([]Marker(nil), s.markers...),
	}
	for _, t := range s.tracks {
		snap.Tracks = append(snap.Tracks, trackSnapshot{
			ID:         t.ID,
			Gain:       t.Gain,
			Pan:        t.Pan,
			RecEnabled: t.Stream.RecordEnabled(),
			AlignStyle: t.Stream.AlignStyle().String(),
		})
	}
	s.mu.Unlock()
	snap.Regions = s.CapturedRegions()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryState).
			Context("snapshot", name).
			Build()
	}

	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryFileIO).
			Context("path", s.stateDir).
			Build()
	}
	path := filepath.Join(s.stateDir, name+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryFileIO).
			Context("path", tmp).
			Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	log.Info("session state saved", "snapshot", name, "path", path)
	return nil
}

// LoadState reads a named snapshot back, restoring markers, position,
// and per-track gain/arm state for tracks that still exist.
func (s *Session) LoadState(name string) error {
	path := filepath.Join(s.stateDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	var snap stateSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return errors.New(err).
			Component("session").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}

	s.transportFrame.Store(snap.Position)
	s.sessionEnd.Store(snap.End)
	s.mu.Lock()
	s.markers = append([]Marker(nil), snap.Markers...)
	for _, ts := range snap.Tracks {
		if t, ok := s.tracks[routing.RouteID(ts.ID)]; ok {
			t.Gain = ts.Gain
			t.Pan = ts.Pan
			t.Stream.SetRecordEnabled(ts.RecEnabled)
		}
	}
	s.mu.Unlock()
	return nil
}

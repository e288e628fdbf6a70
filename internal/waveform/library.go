// Package waveform loads a directory of named waveform definitions so agents
// can start playback by name instead of shipping raw frame lists.
package waveform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/protocol"
)

// Sentinel errors for library lookups.
var (
	ErrNotFound = errors.New("waveform not found")
)

// Waveform is a named ordered list of frames.
type Waveform struct {
	Name   string   `json:"name"`
	Frames []string `json:"frames"`
}

// Library is an immutable in-memory set of waveforms keyed by folded name.
type Library struct {
	mu    sync.RWMutex
	byKey map[string]Waveform
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{byKey: make(map[string]Waveform)}
}

// Load reads every .json file under dir into a library. A missing directory
// yields an empty library, not an error; a file with invalid frames is skipped
// with a warning so one bad definition cannot block startup.
func Load(dir string, logger zerolog.Logger) (*Library, error) {
	log := logger.With().Str("component", "waveform").Logger()
	lib := NewLibrary()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", dir).Msg("Waveform store directory missing, starting empty")
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading waveform store: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := readFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping waveform file")
			continue
		}
		if wf.Name == "" {
			wf.Name = strings.TrimSuffix(entry.Name(), ".json")
		}
		if err := Validate(wf.Frames); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping waveform file")
			continue
		}
		lib.put(wf)
	}

	log.Info().Int("count", lib.Count()).Str("path", dir).Msg("Waveform library loaded")
	return lib, nil
}

func readFile(path string) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, err
	}
	var wf Waveform
	if err := json.Unmarshal(data, &wf); err != nil {
		return Waveform{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return wf, nil
}

// Validate checks that frames is a non-empty list of well-formed frames.
func Validate(frames []string) error {
	if len(frames) == 0 {
		return errors.New("waveform has no frames")
	}
	for i, f := range frames {
		if !protocol.ValidFrame(f) {
			return fmt.Errorf("frame %d is not %d hex characters", i, protocol.FrameLength)
		}
	}
	return nil
}

// Add inserts a waveform after validating its frames. An existing waveform
// with the same folded name is replaced.
func (l *Library) Add(wf Waveform) error {
	if wf.Name == "" {
		return errors.New("waveform has no name")
	}
	if err := Validate(wf.Frames); err != nil {
		return err
	}
	l.put(wf)
	return nil
}

func (l *Library) put(wf Waveform) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[foldName(wf.Name)] = wf
}

// Get returns the waveform with the given name, case-insensitively.
func (l *Library) Get(name string) (Waveform, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.byKey[foldName(name)]
	if !ok {
		return Waveform{}, ErrNotFound
	}
	return wf, nil
}

// List returns all waveforms sorted by name.
func (l *Library) List() []Waveform {
	l.mu.RLock()
	out := make([]Waveform, 0, len(l.byKey))
	for _, wf := range l.byKey {
		out = append(out, wf)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of loaded waveforms.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKey)
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

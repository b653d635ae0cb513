// Package runtime provides fsnotify-driven hot reload of the per-device
// DeviceSpec manifest directory, adapted from the teacher's HotReloadSystem
// (checksum-gated change detection over a watched directory) and trimmed
// of its config-versioning and A/B-testing machinery, which has no SAXS
// instrument-control analog (see DESIGN.md). The INI-style io/processing
// config file (spec.md §6) is not watched.
package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"saxsctl/engine/models"
)

// SpecSet is the decoded contents of a DeviceSpec manifest directory,
// keyed by DeviceSpec.Name.
type SpecSet map[string]models.DeviceSpec

// checksum returns a stable digest of a SpecSet's YAML-marshalled form, so
// WatchSpecs can detect "nothing actually changed" writes (editors that
// rewrite a file with identical content, directory touches, etc.).
func (s SpecSet) checksum() (string, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		data, err := yaml.Marshal(s[name])
		if err != nil {
			return "", fmt.Errorf("marshal spec %s: %w", name, err)
		}
		h.Write([]byte(name))
		h.Write(data)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// specDocument mirrors models.DeviceSpec with durations as strings, the form
// a manifest actually carries ("100ms", "5s"); decodeSpec converts it.
type specDocument struct {
	Name                  string            `yaml:"name"`
	Family                string            `yaml:"family"`
	AllVariables          []string          `yaml:"all_variables"`
	MinimumQueryVariables []string          `yaml:"minimum_query_variables"`
	ConstantVariables     []string          `yaml:"constant_variables"`
	UrgentVariables       []string          `yaml:"urgent_variables"`
	UrgencyModulo         int               `yaml:"urgency_modulo"`
	PollInterval          string            `yaml:"poll_interval"`
	QueryTimeout          string            `yaml:"query_timeout"`
	WatchdogTimeout       string            `yaml:"watchdog_timeout"`
	TelemetryInterval     string            `yaml:"telemetry_interval"`
	MaxBusyLevel          int               `yaml:"max_busy_level"`
	LogFormat             string            `yaml:"log_format"`
	ConnectionParams      map[string]string `yaml:"connection_params"`
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func decodeSpec(data []byte) (models.DeviceSpec, error) {
	var doc specDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.DeviceSpec{}, err
	}
	spec := models.DeviceSpec{
		Name:                  doc.Name,
		Family:                doc.Family,
		AllVariables:          doc.AllVariables,
		MinimumQueryVariables: doc.MinimumQueryVariables,
		ConstantVariables:     doc.ConstantVariables,
		UrgentVariables:       doc.UrgentVariables,
		UrgencyModulo:         doc.UrgencyModulo,
		MaxBusyLevel:          doc.MaxBusyLevel,
		LogFormat:             doc.LogFormat,
		ConnectionParams:      doc.ConnectionParams,
	}
	var err error
	if spec.PollInterval, err = parseDuration("poll_interval", doc.PollInterval); err != nil {
		return spec, err
	}
	if spec.QueryTimeout, err = parseDuration("query_timeout", doc.QueryTimeout); err != nil {
		return spec, err
	}
	if spec.WatchdogTimeout, err = parseDuration("watchdog_timeout", doc.WatchdogTimeout); err != nil {
		return spec, err
	}
	if spec.TelemetryInterval, err = parseDuration("telemetry_interval", doc.TelemetryInterval); err != nil {
		return spec, err
	}
	return spec, nil
}

// LoadSpecDir reads every *.yaml/*.yml file in dir as a DeviceSpec, keyed
// by its Name field. Each manifest must validate (models.DeviceSpec.Validate)
// and every Name must be unique across the directory.
func LoadSpecDir(dir string) (SpecSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read device spec dir %s: %w", dir, err)
	}
	out := make(SpecSet)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		spec, err := decodeSpec(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid device spec %s: %w", path, err)
		}
		if _, dup := out[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate device spec name %q (file %s)", spec.Name, path)
		}
		out[spec.Name] = spec
	}
	return out, nil
}

// SpecChange is delivered on WatchSpecs' channel whenever the decoded
// SpecSet actually differs from the last-seen one.
type SpecChange struct {
	Specs    SpecSet
	Checksum string
}

// HotReloadSystem watches a DeviceSpec manifest directory (not the INI
// config file) for writes and re-parses it, emitting a
// SpecChange only when content has genuinely changed (spec.md's "constant
// for the lifetime of one Supervisor instance" invariant means a reload
// must produce a brand new Supervisor per affected device, never mutate
// one in place — the caller owning the Instrument is responsible for that
// swap; this package only detects and decodes the change).
type HotReloadSystem struct {
	specDir    string
	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	isWatching bool
}

// NewHotReloadSystem constructs a watcher rooted at specDir.
func NewHotReloadSystem(specDir string) (*HotReloadSystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &HotReloadSystem{specDir: specDir, watcher: watcher}, nil
}

// WatchSpecs begins watching the manifest directory and returns a channel
// of SpecChange events plus a channel of non-fatal decode errors (a
// momentarily half-written file, for instance). Both channels close when
// ctx is cancelled or StopWatching is called.
func (h *HotReloadSystem) WatchSpecs(ctx context.Context) (<-chan SpecChange, <-chan error) {
	changes := make(chan SpecChange, 4)
	errs := make(chan error, 4)

	h.mu.Lock()
	if h.isWatching {
		h.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	if err := h.watcher.Add(h.specDir); err != nil {
		h.mu.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", h.specDir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	h.isWatching = true
	h.mu.Unlock()

	// the directory as it stands now is the baseline, so a rewrite with
	// identical content is not reported as a change.
	var lastChecksum string
	if specs, err := LoadSpecDir(h.specDir); err == nil {
		lastChecksum, _ = specs.checksum()
	}

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case ev, ok := <-h.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				specs, err := LoadSpecDir(h.specDir)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				sum, err := specs.checksum()
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				if sum == lastChecksum {
					continue
				}
				lastChecksum = sum
				select {
				case changes <- SpecChange{Specs: specs, Checksum: sum}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-h.watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

// StopWatching closes the underlying fsnotify watcher.
func (h *HotReloadSystem) StopWatching() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isWatching {
		return nil
	}
	h.isWatching = false
	return h.watcher.Close()
}

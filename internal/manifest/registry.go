package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// Tier names the four search-path precedence levels, lowest first.
// Later tiers win ties on tool name (spec.md §4.5).
type Tier struct {
	Name       string
	Path       string
	Precedence int
}

// DefaultTiers returns the standard bundled < core < integrations <
// community search path rooted at base.
func DefaultTiers(base string) []Tier {
	return []Tier{
		{Name: "bundled", Path: filepath.Join(base, "bundled"), Precedence: 0},
		{Name: "core", Path: filepath.Join(base, "core"), Precedence: 1},
		{Name: "integrations", Path: filepath.Join(base, "integrations"), Precedence: 2},
		{Name: "community", Path: filepath.Join(base, "community"), Precedence: 3},
	}
}

// ToolRef locates one tool within a loaded manifest.
type ToolRef struct {
	ManifestID string
	ToolIndex  int
}

type index struct {
	manifests map[string]*Manifest
	tools     map[string]ToolRef
}

// Registry is the hot-reloadable, concurrently-readable manifest index.
// Reloads install a new index via a single atomic pointer swap so readers
// never observe a half-built map (grounded on the teacher's watcher
// reload idiom).
type Registry struct {
	tiers []Tier
	log   *slog.Logger

	current atomic.Pointer[index]
}

// NewRegistry constructs a Registry over the given search-path tiers. Call
// Load before using it; an empty Registry answers every lookup as a miss.
func NewRegistry(tiers []Tier, log *slog.Logger) *Registry {
	r := &Registry{tiers: tiers, log: log}
	r.current.Store(&index{manifests: map[string]*Manifest{}, tools: map[string]ToolRef{}})
	return r
}

// LoadResult summarizes one Load pass for logging and diagnostics.
type LoadResult struct {
	Loaded  int
	Skipped []SkippedManifest
}

// SkippedManifest records why one candidate file was rejected.
type SkippedManifest struct {
	Path   string
	Reason string
}

// Load scans every tier's directory for *.json files, validates each,
// resolves tool-name collisions by tier precedence, and atomically
// installs the result. A Load that finds zero valid manifests still
// succeeds with an empty index; only I/O errors reading the tier
// directories themselves are returned.
func (r *Registry) Load() (LoadResult, error) {
	var result LoadResult
	manifests := make(map[string]*Manifest)
	toolOwners := make(map[string]int) // tool name -> precedence of current owner
	tools := make(map[string]ToolRef)

	for _, tier := range r.tiers {
		entries, err := os.ReadDir(tier.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, fmt.Errorf("read manifest tier %s: %w", tier.Name, err)
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(tier.Path, entry.Name())
			m, err := loadOne(path, tier.Precedence)
			if err != nil {
				result.Skipped = append(result.Skipped, SkippedManifest{Path: path, Reason: err.Error()})
				if r.log != nil {
					r.log.Warn("skipping invalid manifest", "path", path, "error", err)
				}
				continue
			}

			if existing, ok := manifests[m.ID]; ok && existing.Precedence > m.Precedence {
				continue // a higher-precedence tier already supplied this manifest id
			}
			manifests[m.ID] = m
			result.Loaded++

			for i, tool := range m.Tools {
				if owner, ok := toolOwners[tool.Name]; ok && owner > m.Precedence {
					continue
				}
				toolOwners[tool.Name] = m.Precedence
				tools[tool.Name] = ToolRef{ManifestID: m.ID, ToolIndex: i}
			}
		}
	}

	r.current.Store(&index{manifests: manifests, tools: tools})
	return result, nil
}

func loadOne(path string, precedence int) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() > maxManifestBytes {
		return nil, fmt.Errorf("manifest exceeds %d byte limit", maxManifestBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	m.SourcePath = path
	m.Precedence = precedence

	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindTool resolves a tool name to its owning manifest and tool index.
func (r *Registry) FindTool(name string) (*Manifest, *Tool, bool) {
	idx := r.current.Load()
	ref, ok := idx.tools[name]
	if !ok {
		return nil, nil, false
	}
	m, ok := idx.manifests[ref.ManifestID]
	if !ok || ref.ToolIndex >= len(m.Tools) {
		return nil, nil, false
	}
	return m, &m.Tools[ref.ToolIndex], true
}

// Manifest returns a loaded manifest by id.
func (r *Registry) Manifest(id string) (*Manifest, bool) {
	idx := r.current.Load()
	m, ok := idx.manifests[id]
	return m, ok
}

// Manifests returns every currently loaded manifest.
func (r *Registry) Manifests() []*Manifest {
	idx := r.current.Load()
	out := make([]*Manifest, 0, len(idx.manifests))
	for _, m := range idx.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tools returns every currently routable tool name.
func (r *Registry) Tools() []string {
	idx := r.current.Load()
	out := make([]string, 0, len(idx.tools))
	for name := range idx.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

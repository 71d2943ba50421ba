// Package settings loads the source settings snapshot: the fetch endpoint of
// each feed and the per-basin parameters needed to build requests. A
// snapshot is immutable once loaded; Provider swaps snapshots on Reload.
package settings

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// Endpoint is where and how a feed is fetched.
type Endpoint struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// SeriesParam names one series to request from a feed.
type SeriesParam struct {
	ID   string            `yaml:"id"`
	Type domain.SeriesType `yaml:"type"`
}

// BasinParams are the per-basin request parameters of one feed.
type BasinParams struct {
	Series []SeriesParam     `yaml:"series"`
	Params map[string]string `yaml:"params"`
}

// Snapshot is one validated settings file.
type Snapshot struct {
	Sources map[domain.SourceKind]Endpoint               `yaml:"sources"`
	Basins  map[string]map[domain.SourceKind]BasinParams `yaml:"basins"`
}

// defaultTypes is used when a series entry omits its type; agency feeds
// carry more than one type and must name it.
var defaultTypes = map[domain.SourceKind]domain.SeriesType{
	domain.SourceContinental: domain.SeriesDischarge,
	domain.SourceGlobal:      domain.SeriesFloodForecast,
}

// FromYAML parses and validates a snapshot.
func FromYAML(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid settings yaml: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromFile reads a snapshot from path.
func FromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (s *Snapshot) normalize() error {
	for kind, ep := range s.Sources {
		if _, err := domain.ParseSourceKind(string(kind)); err != nil {
			return fmt.Errorf("settings.sources: %w", err)
		}
		if ep.URL == "" {
			return fmt.Errorf("settings.sources.%s.url is required", kind)
		}
	}
	for basin, feeds := range s.Basins {
		if basin == "" {
			return fmt.Errorf("settings.basins has empty basin name")
		}
		for kind, p := range feeds {
			if _, err := domain.ParseSourceKind(string(kind)); err != nil {
				return fmt.Errorf("settings.basins.%s: %w", basin, err)
			}
			if _, ok := s.Sources[kind]; !ok {
				return fmt.Errorf("settings.basins.%s.%s has no endpoint in settings.sources", basin, kind)
			}
			for i, sp := range p.Series {
				if sp.ID == "" {
					return fmt.Errorf("settings.basins.%s.%s.series[%d].id is required", basin, kind, i)
				}
				if sp.Type == "" {
					sp.Type = defaultTypes[kind]
				}
				t, err := domain.ParseSeriesType(string(sp.Type))
				if err != nil {
					return fmt.Errorf("settings.basins.%s.%s.series[%d]: %w", basin, kind, i, err)
				}
				if t.Kind() != kind {
					return fmt.Errorf("settings.basins.%s.%s.series[%d]: %s is not provided by %s", basin, kind, i, t, kind)
				}
				p.Series[i].Type = t
			}
		}
	}
	return nil
}

// Lookup returns the endpoint and basin parameters for a feed. The boolean
// is false when either is not configured.
func (s *Snapshot) Lookup(basin string, kind domain.SourceKind) (Endpoint, BasinParams, bool) {
	ep, ok := s.Sources[kind]
	if !ok {
		return Endpoint{}, BasinParams{}, false
	}
	p, ok := s.Basins[basin][kind]
	if !ok {
		return Endpoint{}, BasinParams{}, false
	}
	return ep, p, true
}

// BasinNames returns the configured basin names in order.
func (s *Snapshot) BasinNames() []string {
	names := make([]string, 0, len(s.Basins))
	for b := range s.Basins {
		names = append(names, b)
	}
	sort.Strings(names)
	return names
}

// Provider holds the current snapshot.
type Provider struct {
	path    string
	current atomic.Pointer[Snapshot]
}

// NewProvider loads the settings file at path.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticProvider serves a fixed snapshot; Reload is a no-op.
func NewStaticProvider(s *Snapshot) *Provider {
	p := &Provider{}
	p.current.Store(s)
	return p
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Reload re-reads the settings file. On error the previous snapshot stays
// in effect.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	s, err := FromFile(p.path)
	if err != nil {
		return fmt.Errorf("reload settings %s: %w", p.path, err)
	}
	p.current.Store(s)
	return nil
}

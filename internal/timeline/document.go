package timeline

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a timeline used by the CLI and the
// import endpoint. Clips reference sources by path; metadata is probed
// when the document is built.
type Document struct {
	Tracks []TrackDocument `yaml:"tracks" json:"tracks"`
}

// TrackDocument describes one track. Order in the list is z-order.
type TrackDocument struct {
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Muted  bool           `yaml:"muted,omitempty" json:"muted,omitempty"`
	Hidden bool           `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Layout Layout         `yaml:"layout,omitempty" json:"layout,omitempty"`
	Clips  []ClipDocument `yaml:"clips" json:"clips"`
}

// ClipDocument places a trimmed source. A zero Out means "to the end of the
// source".
type ClipDocument struct {
	Path  string  `yaml:"path" json:"path"`
	In    float64 `yaml:"in,omitempty" json:"in,omitempty"`
	Out   float64 `yaml:"out,omitempty" json:"out,omitempty"`
	Start float64 `yaml:"start" json:"start"`
}

// ProbeFunc returns complete metadata for a source path.
type ProbeFunc func(ctx context.Context, path string) (Media, error)

// ParseDocument decodes a YAML (or JSON) timeline document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse timeline document: %w", err)
	}
	return &doc, nil
}

// LoadDocument reads and decodes a timeline document from disk.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeline document: %w", err)
	}
	return ParseDocument(data)
}

// Build probes every referenced source once and assembles a timeline
// through the regular edit functions, so documents obey the same rules as
// interactive edits.
func (d *Document) Build(ctx context.Context, probe ProbeFunc) (*Timeline, error) {
	cache := make(map[string]Media)
	tl := New()
	for i, td := range d.Tracks {
		track := tl.AddTrack(td.Name)
		track.Muted = td.Muted
		track.Hidden = td.Hidden
		if err := tl.SetLayout(track.ID, td.Layout); err != nil {
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		for j, cd := range td.Clips {
			media, ok := cache[cd.Path]
			if !ok {
				var err error
				media, err = probe(ctx, cd.Path)
				if err != nil {
					return nil, fmt.Errorf("track %d clip %d: %w", i, j, err)
				}
				cache[cd.Path] = media
			}
			out := cd.Out
			if out == 0 {
				out = media.Duration
			}
			if _, err := tl.InsertClip(track.ID, media, cd.In, out, cd.Start); err != nil {
				return nil, fmt.Errorf("track %d clip %d: %w", i, j, err)
			}
		}
	}
	return tl, nil
}

// ToDocument converts a timeline back to its document form.
func ToDocument(tl *Timeline) *Document {
	doc := &Document{Tracks: make([]TrackDocument, 0, len(tl.Tracks))}
	for _, t := range tl.Tracks {
		td := TrackDocument{Name: t.Name, Muted: t.Muted, Hidden: t.Hidden, Layout: t.Layout}
		for _, c := range t.Clips {
			td.Clips = append(td.Clips, ClipDocument{
				Path:  c.Media.Path,
				In:    c.TrimIn,
				Out:   c.TrimOut,
				Start: c.StartTime,
			})
		}
		doc.Tracks = append(doc.Tracks, td)
	}
	return doc
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

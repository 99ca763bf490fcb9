// Package world holds obstacle geometry: the shapes the wall index samples,
// YAML map files and the SQLite map store.
package world

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLayer is the obstacle layer the engine samples unless configured
// otherwise.
const DefaultLayer = 6

var ErrInvalidShape = errors.New("invalid shape")

// Rect is an axis-aligned box in world units.
type Rect struct {
	MinX  float64 `yaml:"min_x" json:"minX"`
	MinY  float64 `yaml:"min_y" json:"minY"`
	MaxX  float64 `yaml:"max_x" json:"maxX"`
	MaxY  float64 `yaml:"max_y" json:"maxY"`
	Layer int     `yaml:"layer" json:"layer"`
}

// Circle is a disc in world units.
type Circle struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	R     float64 `yaml:"r" json:"r"`
	Layer int     `yaml:"layer" json:"layer"`
}

// ObstacleMap is a named set of shapes. It implements spatial.OverlapQuery.
type ObstacleMap struct {
	Name    string   `yaml:"name" json:"name"`
	Width   float64  `yaml:"width,omitempty" json:"width,omitempty"`
	Height  float64  `yaml:"height,omitempty" json:"height,omitempty"`
	Rects   []Rect   `yaml:"rects,omitempty" json:"rects"`
	Circles []Circle `yaml:"circles,omitempty" json:"circles"`
}

// Shapes returns the total shape count.
func (m *ObstacleMap) Shapes() int {
	return len(m.Rects) + len(m.Circles)
}

// Validate rejects empty or inverted shapes.
func (m *ObstacleMap) Validate() error {
	for i, r := range m.Rects {
		if !(r.MaxX > r.MinX && r.MaxY > r.MinY) {
			return fmt.Errorf("rect %d (%g,%g)-(%g,%g): %w", i, r.MinX, r.MinY, r.MaxX, r.MaxY, ErrInvalidShape)
		}
	}
	for i, c := range m.Circles {
		if !(c.R > 0) || math.IsInf(c.R, 0) {
			return fmt.Errorf("circle %d radius %g: %w", i, c.R, ErrInvalidShape)
		}
	}
	return nil
}

// Overlaps reports whether the disc at (cx, cy) with radius halfExtent
// intersects any shape on layer. Touching edges do not count, except that a
// zero-radius query inside a shape does.
func (m *ObstacleMap) Overlaps(cx, cy, halfExtent float64, layer int) bool {
	if m == nil {
		return false
	}
	for i := range m.Rects {
		r := &m.Rects[i]
		if r.Layer != layer {
			continue
		}
		dx := cx - math.Max(r.MinX, math.Min(cx, r.MaxX))
		dy := cy - math.Max(r.MinY, math.Min(cy, r.MaxY))
		if dx == 0 && dy == 0 {
			return true
		}
		if dx*dx+dy*dy < halfExtent*halfExtent {
			return true
		}
	}
	for i := range m.Circles {
		c := &m.Circles[i]
		if c.Layer != layer {
			continue
		}
		reach := c.R + halfExtent
		dx, dy := cx-c.X, cy-c.Y
		if dx*dx+dy*dy < reach*reach {
			return true
		}
	}
	return false
}

// DemoMap returns a small maze of walls and pillars sized for a w x h world.
func DemoMap(w, h float64) *ObstacleMap {
	m := &ObstacleMap{Name: "demo", Width: w, Height: h}
	// Four long walls with staggered gaps.
	for i := 1; i <= 4; i++ {
		x := w * float64(i) / 5
		gap := h * 0.15
		if i%2 == 0 {
			m.Rects = append(m.Rects, Rect{MinX: x - 1, MinY: gap, MaxX: x + 1, MaxY: h, Layer: DefaultLayer})
		} else {
			m.Rects = append(m.Rects, Rect{MinX: x - 1, MinY: 0, MaxX: x + 1, MaxY: h - gap, Layer: DefaultLayer})
		}
	}
	for i := 0; i < 3; i++ {
		m.Circles = append(m.Circles, Circle{
			X:     w * (0.3 + 0.4*float64(i%2)),
			Y:     h * (0.25 + 0.25*float64(i)),
			R:     math.Min(w, h) * 0.04,
			Layer: DefaultLayer,
		})
	}
	return m
}

// ParseMap decodes a YAML map and validates it.
func ParseMap(data []byte) (*ObstacleMap, error) {
	var m ObstacleMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalMap encodes m as YAML.
func MarshalMap(m *ObstacleMap) ([]byte, error) {
	return yaml.Marshal(m)
}

// LoadMapFile reads a YAML map file.
func LoadMapFile(path string) (*ObstacleMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", path, err)
	}
	m, err := ParseMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// SaveMapFile writes m as YAML to path.
func SaveMapFile(path string, m *ObstacleMap) error {
	data, err := MarshalMap(m)
	if err != nil {
		return fmt.Errorf("encode map: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write map %s: %w", path, err)
	}
	return nil
}

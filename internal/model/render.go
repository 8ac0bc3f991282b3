package model

import (
	"fmt"
	"strings"
)

// CameraConfig describes the fluoroscope geometry shared by every view of a run.
// SID is the source-to-image distance in mm; pixel size is in mm, image size in pixels.
type CameraConfig struct {
	SID        float64    `json:"sid" yaml:"sid"`
	BeamEnergy float64    `json:"beamEnergy" yaml:"beam_energy"`
	PixelSize  [2]float64 `json:"pixelSize" yaml:"pixel_size"`
	ImageSize  [2]int     `json:"imageSize" yaml:"image_size"`
}

// DefaultCamera matches the reference C-arm setup.
func DefaultCamera() CameraConfig {
	return CameraConfig{
		SID:        1040,
		BeamEnergy: 150,
		PixelSize:  [2]float64{0.25, 0.25},
		ImageSize:  [2]int{1526, 1496},
	}
}

func (c CameraConfig) Validate() error {
	if c.SID <= 0 {
		return fmt.Errorf("sid must be > 0")
	}
	if c.BeamEnergy <= 0 {
		return fmt.Errorf("beam energy must be > 0")
	}
	if c.PixelSize[0] <= 0 || c.PixelSize[1] <= 0 {
		return fmt.Errorf("pixel size must be > 0, got %v", c.PixelSize)
	}
	if c.ImageSize[0] <= 0 || c.ImageSize[1] <= 0 {
		return fmt.Errorf("image size must be > 0, got %v", c.ImageSize)
	}
	return nil
}

// AnglePair is a (positioner primary, positioner secondary) angle in degrees.
type AnglePair [2]float64

func (a AnglePair) Primary() float64   { return a[0] }
func (a AnglePair) Secondary() float64 { return a[1] }

// Name is the image key used inside an image collection.
func (a AnglePair) Name() string { return fmt.Sprintf("%.1f_%.1f", a[0], a[1]) }

// Generator asks the gateway to synthesise a view set instead of listing angles.
type Generator struct {
	Kind  string `json:"kind"` // equidistant, random
	Count int    `json:"count"`
	Seed  uint64 `json:"seed,omitempty"`
}

// ViewSet is a named, ordered viewpoint list.
type ViewSet struct {
	Name      string      `json:"name"`
	Angles    []AnglePair `json:"angles"`
	Generator *Generator  `json:"generator,omitempty"`
}

func (v ViewSet) Validate() error {
	name := strings.TrimSpace(v.Name)
	if name == "" {
		return fmt.Errorf("view set name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("view set %q: invalid name", v.Name)
	}
	if len(v.Angles) == 0 && v.Generator == nil {
		return fmt.Errorf("view set %q: angles or generator required", v.Name)
	}
	return nil
}

// OutputOptions controls how a task persists its image collections.
type OutputOptions struct {
	Overwrite bool    `json:"overwrite"`
	SavePNG   bool    `json:"savePng"`
	Compress  bool    `json:"compress"`
	ResizeTo  *[2]int `json:"resizeTo,omitempty"` // width, height
}

// RenderRequest is the body of a create-run call.
type RenderRequest struct {
	MeshRoot    string        `json:"meshRoot,omitempty"`
	AngleSets   []ViewSet     `json:"angleSets"`
	FileSuffix  string        `json:"fileSuffix,omitempty"`
	Camera      *CameraConfig `json:"camera,omitempty"`
	TableOffset *[3]float64   `json:"tableOffset,omitempty"`
	Output      OutputOptions `json:"output"`
	Parallelism int           `json:"parallelism,omitempty"`
}

func (r RenderRequest) Validate() error {
	if len(r.AngleSets) == 0 {
		return fmt.Errorf("at least one angle set is required")
	}
	seen := make(map[string]bool, len(r.AngleSets))
	for _, set := range r.AngleSets {
		if err := set.Validate(); err != nil {
			return err
		}
		if seen[set.Name] {
			return fmt.Errorf("duplicate angle set %q", set.Name)
		}
		seen[set.Name] = true
	}
	if strings.ContainsAny(r.FileSuffix, `/\`) {
		return fmt.Errorf("invalid file suffix %q", r.FileSuffix)
	}
	if r.Camera != nil {
		if err := r.Camera.Validate(); err != nil {
			return fmt.Errorf("camera: %w", err)
		}
	}
	if rs := r.Output.ResizeTo; rs != nil && (rs[0] <= 0 || rs[1] <= 0) {
		return fmt.Errorf("resizeTo must be [width, height] > 0, got %v", *rs)
	}
	if r.Parallelism < 0 {
		return fmt.Errorf("parallelism must be >= 0")
	}
	return nil
}

// RenderTask is one worker invocation: every view set of one mesh folder.
// Tasks are immutable once handed to the pool.
type RenderTask struct {
	Index       int
	MeshDir     string // relative to the mesh root
	ViewSets    []ViewSet
	FileSuffix  string
	Camera      CameraConfig
	TableOffset *[3]float64
	Output      OutputOptions
}

// TaskResult describes a successful task.
type TaskResult struct {
	Task      RenderTask
	Skipped   bool
	Artifacts []string
	Images    int
}

// TaskFailure describes a task that did not complete.
type TaskFailure struct {
	Task RenderTask
	Err  error
}

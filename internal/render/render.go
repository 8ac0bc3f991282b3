// Package render defines the renderer capability consumed by the engine and a
// subprocess backend that talks to an external rendering program.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/jnyjxn/angiogen-render/internal/model"
	"github.com/jnyjxn/angiogen-render/internal/posemath"
)

// ErrRendererUnavailable marks a backend that could not be initialised. It fails a
// whole batch rather than a single task.
var ErrRendererUnavailable = errors.New("renderer unavailable")

// Frame is one rendered view.
type Frame struct {
	Image *image.Gray
	Depth []float32 // optional, row-major, len == width*height when present
}

// Scene is a mesh loaded into a renderer.
type Scene interface {
	RenderView(ctx context.Context, pose posemath.Pose, k posemath.Intrinsics, view model.AnglePair) (Frame, error)
	Close() error
}

// Renderer loads meshes and renders views. A Renderer is used by one worker at a time.
type Renderer interface {
	LoadScene(ctx context.Context, meshPath string, cam model.CameraConfig) (Scene, error)
	Close() error
}

// Backend opens renderers, one per worker.
type Backend interface {
	Open(ctx context.Context) (Renderer, error)
}

// TaskError is a stage-aware task failure.
type TaskError struct {
	MeshDir string `json:"meshDir"`
	Stage   string `json:"stage"`
	Err     error  `json:"-"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.MeshDir, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Unavailable wraps err so that errors.Is(err, ErrRendererUnavailable) holds.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
}

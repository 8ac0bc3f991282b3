// Package planner expands mesh folders and view sets into render tasks.
package planner

import (
	"path/filepath"

	"github.com/jnyjxn/angiogen-render/internal/blob"
	"github.com/jnyjxn/angiogen-render/internal/model"
)

// Options carries the per-run parameters copied into every task.
type Options struct {
	FileSuffix  string
	Camera      model.CameraConfig
	TableOffset *[3]float64
	Output      model.OutputOptions
}

// Discover lists mesh folders under the store root in sorted order.
func Discover(store blob.LocalFS, meshFiles []string) ([]string, error) {
	return store.FindDirs(meshFiles...)
}

// Plan returns one task per mesh folder, in the given folder order, each carrying
// every view set in request order.
func Plan(meshDirs []string, viewSets []model.ViewSet, opts Options) []model.RenderTask {
	sets := make([]model.ViewSet, len(viewSets))
	for i, set := range viewSets {
		sets[i] = model.ViewSet{
			Name:   set.Name,
			Angles: append([]model.AnglePair(nil), set.Angles...),
		}
	}

	tasks := make([]model.RenderTask, 0, len(meshDirs))
	for i, dir := range meshDirs {
		tasks = append(tasks, model.RenderTask{
			Index:       i,
			MeshDir:     dir,
			ViewSets:    sets,
			FileSuffix:  opts.FileSuffix,
			Camera:      opts.Camera,
			TableOffset: opts.TableOffset,
			Output:      opts.Output,
		})
	}
	return tasks
}

// ArchiveExt is the image archive extension for the given compression choice.
func ArchiveExt(compress bool) string {
	if compress {
		return "msgpack.gz"
	}
	return "msgpack"
}

// ArtifactName is the archive file name of one view set.
func ArtifactName(setName, suffix string, compress bool) string {
	return setName + suffix + "." + ArchiveExt(compress)
}

// ArtifactPaths lists the archive paths a task produces, relative to the mesh root.
func ArtifactPaths(task model.RenderTask) []string {
	out := make([]string, 0, len(task.ViewSets))
	for _, set := range task.ViewSets {
		out = append(out, filepath.Join(task.MeshDir, ArtifactName(set.Name, task.FileSuffix, task.Output.Compress)))
	}
	return out
}

// ShouldSkip reports whether a task can be treated as done: overwrite is off and every
// archive it would write already exists.
func ShouldSkip(store blob.LocalFS, task model.RenderTask) bool {
	if task.Output.Overwrite {
		return false
	}
	for _, p := range ArtifactPaths(task) {
		if !store.Exists(p) {
			return false
		}
	}
	return true
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jnyjxn/angiogen-render/internal/blob"
	"github.com/jnyjxn/angiogen-render/internal/imageset"
	"github.com/jnyjxn/angiogen-render/internal/model"
	"github.com/jnyjxn/angiogen-render/internal/planner"
	"github.com/jnyjxn/angiogen-render/internal/posemath"
	"github.com/jnyjxn/angiogen-render/internal/render"
)

// executor renders tasks for one worker on its own renderer.
type executor struct {
	backend   render.Backend
	renderer  render.Renderer
	meshes    blob.LocalFS
	meshFiles []string
}

// Execute skips a task only when every one of its archives exists. Otherwise
// all of its view sets are rendered again, replacing any archives on disk.
func (x *executor) Execute(ctx context.Context, task model.RenderTask) (model.TaskResult, error) {
	if planner.ShouldSkip(x.meshes, task) {
		return model.TaskResult{Skipped: true}, nil
	}

	res, err := x.execute(ctx, task)
	if errors.Is(err, render.ErrSessionBroken) && x.renderer != nil {
		slog.Warn("engine: renderer session broken, reopening on next task", "mesh", task.MeshDir)
		_ = x.renderer.Close()
		x.renderer = nil
	}
	return res, err
}

func (x *executor) execute(ctx context.Context, task model.RenderTask) (model.TaskResult, error) {
	fail := func(stage string, err error) (model.TaskResult, error) {
		return model.TaskResult{}, &render.TaskError{MeshDir: task.MeshDir, Stage: stage, Err: err}
	}

	meshPath, err := x.meshPath(task.MeshDir)
	if err != nil {
		return fail("mesh", err)
	}
	k, err := posemath.CameraIntrinsics(task.Camera)
	if err != nil {
		return fail("camera", err)
	}
	if x.renderer == nil {
		if x.renderer, err = x.backend.Open(ctx); err != nil {
			return fail("open", err)
		}
	}

	scene, err := x.renderer.LoadScene(ctx, meshPath, task.Camera)
	if err != nil {
		return fail("load", err)
	}
	defer func() {
		if err := scene.Close(); err != nil {
			slog.Debug("engine: scene close", "mesh", task.MeshDir, "error", err)
		}
	}()

	offset := posemath.TableOffset(task.TableOffset)
	var res model.TaskResult
	for _, set := range task.ViewSets {
		stem := set.Name + task.FileSuffix
		archive := filepath.Join(task.MeshDir, planner.ArtifactName(set.Name, task.FileSuffix, task.Output.Compress))

		var images imageset.Collection
		for _, view := range set.Angles {
			pose := posemath.AnglesToPose(view.Primary(), view.Secondary(), task.Camera.SID, offset)
			frame, err := scene.RenderView(ctx, pose, k, view)
			if err != nil {
				return fail(fmt.Sprintf("render %s %s", set.Name, view.Name()), err)
			}
			img, depth := frame.Image, frame.Depth
			if rs := task.Output.ResizeTo; rs != nil {
				img = imageset.Resize(img, rs[0], rs[1])
				depth = nil
			}
			images.Add(view.Name(), img, depth)
		}

		written, err := images.Save(x.meshes, imageset.SaveOptions{
			Archive:  archive,
			Compress: task.Output.Compress,
			PNG:      task.Output.SavePNG,
			PNGStem:  stem,
		})
		res.Artifacts = append(res.Artifacts, written...)
		if err != nil {
			return fail("save "+set.Name, err)
		}
		res.Images += images.Len()
	}
	return res, nil
}

func (x *executor) meshPath(dir string) (string, error) {
	for _, name := range x.meshFiles {
		rel := filepath.Join(dir, name)
		if x.meshes.Exists(rel) {
			return x.meshes.Path(rel)
		}
	}
	return "", fmt.Errorf("no mesh file %v in %s", x.meshFiles, dir)
}

func (x *executor) Close() error {
	if x.renderer == nil {
		return nil
	}
	return x.renderer.Close()
}

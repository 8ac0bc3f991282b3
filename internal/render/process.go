package render

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/jnyjxn/angiogen-render/internal/model"
	"github.com/jnyjxn/angiogen-render/internal/posemath"
)

// ErrSessionBroken is returned once a renderer connection can no longer be trusted
// (transport error, timeout, cancelled call). The renderer must be reopened.
var ErrSessionBroken = errors.New("renderer session broken")

// Process runs the renderer as a child process speaking the length-prefixed msgpack
// protocol on stdin/stdout. Each Open starts a fresh process.
type Process struct {
	Command          []string
	Dir              string
	Env              []string
	HandshakeTimeout time.Duration
}

func (p Process) Open(ctx context.Context) (Renderer, error) {
	if len(p.Command) == 0 {
		return nil, Unavailable(errors.New("no renderer command configured"))
	}
	timeout := p.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = p.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, Unavailable(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Unavailable(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, Unavailable(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, Unavailable(fmt.Errorf("start %s: %w", p.Command[0], err))
	}

	pid := cmd.Process.Pid
	go logStderr(pid, stderr)

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Debug("render: process exited", "pid", pid, "error", err)
		close(exited)
	}()

	kill := func() { _ = cmd.Process.Kill() }
	r := newRemote(stdin, stdout, kill, exited)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := r.roundTrip(hctx, request{Op: opHello})
	if err != nil {
		r.Close()
		return nil, Unavailable(fmt.Errorf("handshake: %w", err))
	}

	slog.Info("render: process started", "pid", pid, "command", p.Command[0], "version", resp.Version)
	return r, nil
}

func logStderr(pid int, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		slog.Debug("render: stderr", "pid", pid, "line", sc.Text())
	}
}

// remote is a Renderer backed by a request/response peer.
type remote struct {
	mu     sync.Mutex
	sess   session
	stdin  io.Closer
	kill   func()
	exited <-chan struct{}
	broken bool
	closed bool
}

func newRemote(w io.WriteCloser, r io.Reader, kill func(), exited <-chan struct{}) *remote {
	return &remote{
		sess:   session{w: w, r: r},
		stdin:  w,
		kill:   kill,
		exited: exited,
	}
}

type peerError struct{ msg string }

func (e *peerError) Error() string { return e.msg }

func (r *remote) roundTrip(ctx context.Context, req request) (response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broken || r.closed {
		return response{}, ErrSessionBroken
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := r.sess.call(req)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		var pe *peerError
		if res.err != nil && !errors.As(res.err, &pe) {
			r.broken = true
			return res.resp, fmt.Errorf("%w: %v", ErrSessionBroken, res.err)
		}
		return res.resp, res.err
	case <-ctx.Done():
		r.broken = true
		r.kill()
		return response{}, fmt.Errorf("%w: %v", ErrSessionBroken, ctx.Err())
	}
}

func (r *remote) LoadScene(ctx context.Context, meshPath string, cam model.CameraConfig) (Scene, error) {
	_, err := r.roundTrip(ctx, request{
		Op:   opLoad,
		Mesh: meshPath,
		Camera: &cameraMessage{
			SID:        cam.SID,
			BeamEnergy: cam.BeamEnergy,
			PixelSize:  cam.PixelSize,
			ImageSize:  cam.ImageSize,
		},
	})
	if err != nil {
		return nil, err
	}
	return &remoteScene{r: r}, nil
}

func (r *remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	healthy := !r.broken
	r.closed = true
	r.mu.Unlock()

	if healthy {
		bye := make(chan struct{})
		go func() {
			_, _ = r.sess.call(request{Op: opBye})
			close(bye)
		}()
		select {
		case <-bye:
		case <-time.After(2 * time.Second):
		}
	}
	err := r.stdin.Close()

	if r.exited != nil {
		select {
		case <-r.exited:
		case <-time.After(5 * time.Second):
			slog.Warn("render: process did not exit, killing")
			r.kill()
		}
	}
	return err
}

type remoteScene struct {
	r *remote
}

func (s *remoteScene) RenderView(ctx context.Context, pose posemath.Pose, k posemath.Intrinsics, view model.AnglePair) (Frame, error) {
	p4 := posemath.Rows4(pose)
	k3 := posemath.Rows3(k)
	req := request{
		Op:     opRender,
		Pose:   make([]float64, 0, 16),
		K:      make([]float64, 0, 9),
		Angles: []float64{view.Primary(), view.Secondary()},
	}
	for _, row := range p4 {
		req.Pose = append(req.Pose, row[:]...)
	}
	for _, row := range k3 {
		req.K = append(req.K, row[:]...)
	}

	resp, err := s.r.roundTrip(ctx, req)
	if err != nil {
		return Frame{}, err
	}
	return frameFromResponse(resp)
}

func (s *remoteScene) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.r.roundTrip(ctx, request{Op: opUnload})
	return err
}

func frameFromResponse(resp response) (Frame, error) {
	w, h := resp.Width, resp.Height
	if w <= 0 || h <= 0 {
		return Frame{}, fmt.Errorf("render: invalid frame size %dx%d", w, h)
	}
	if len(resp.Pixels) != w*h {
		return Frame{}, fmt.Errorf("render: got %d pixels for %dx%d frame", len(resp.Pixels), w, h)
	}
	if len(resp.Depth) != 0 && len(resp.Depth) != w*h {
		return Frame{}, fmt.Errorf("render: got %d depth values for %dx%d frame", len(resp.Depth), w, h)
	}
	return Frame{
		Image: &image.Gray{Pix: resp.Pixels, Stride: w, Rect: image.Rect(0, 0, w, h)},
		Depth: resp.Depth,
	}, nil
}

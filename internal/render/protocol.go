package render

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire protocol between the engine and a renderer process: every message is a
// 4-byte big-endian length followed by a msgpack body. The engine sends a request
// and waits for exactly one response.

const maxMessageSize = 256 << 20

const (
	opHello  = "hello"
	opLoad   = "load"
	opRender = "render"
	opUnload = "unload"
	opBye    = "bye"
)

type cameraMessage struct {
	SID        float64    `msgpack:"sid"`
	BeamEnergy float64    `msgpack:"beam_energy"`
	PixelSize  [2]float64 `msgpack:"pixel_size"`
	ImageSize  [2]int     `msgpack:"image_size"`
}

type request struct {
	Op     string         `msgpack:"op"`
	Mesh   string         `msgpack:"mesh,omitempty"`
	Camera *cameraMessage `msgpack:"camera,omitempty"`
	Pose   []float64      `msgpack:"pose,omitempty"` // 4x4 row-major
	K      []float64      `msgpack:"k,omitempty"`    // 3x3 row-major
	Angles []float64      `msgpack:"angles,omitempty"`
}

type response struct {
	OK      bool      `msgpack:"ok"`
	Error   string    `msgpack:"error,omitempty"`
	Version string    `msgpack:"version,omitempty"`
	Width   int       `msgpack:"width,omitempty"`
	Height  int       `msgpack:"height,omitempty"`
	Pixels  []byte    `msgpack:"pixels,omitempty"`
	Depth   []float32 `msgpack:"depth,omitempty"`
}

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(body) > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// session is one request/response conversation with a renderer peer.
type session struct {
	w io.Writer
	r io.Reader
}

func (s *session) call(req request) (response, error) {
	if err := writeMessage(s.w, req); err != nil {
		return response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	var resp response
	if err := readMessage(s.r, &resp); err != nil {
		return response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "renderer reported failure"
		}
		return resp, &peerError{msg: req.Op + ": " + msg}
	}
	return resp, nil
}

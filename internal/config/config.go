package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

// ErrMissingField is returned when the camera file lacks a required field.
var ErrMissingField = errors.New("missing required field")

type Config struct {
	Addr        string
	DataDir     string
	MeshRoot    string
	MeshFiles   []string
	Workers     int
	CameraFile  string
	RendererCmd []string
	StaticDir   string
	MQTTBroker  string
	MQTTTopic   string
	LogLevel    slog.Level
}

func Load() (Config, error) {
	workers, err := getenvInt("ANGIOGEN_WORKERS", 0)
	if err != nil {
		return Config{}, err
	}
	if workers < 0 {
		return Config{}, fmt.Errorf("ANGIOGEN_WORKERS must be >= 0, got %d", workers)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getenv("ANGIOGEN_LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("ANGIOGEN_LOG_LEVEL: %w", err)
	}
	return Config{
		Addr:        getenv("ANGIOGEN_API_ADDR", ":8080"),
		DataDir:     getenv("ANGIOGEN_DATA_DIR", filepath.Join(".", "local-data")),
		MeshRoot:    getenv("ANGIOGEN_MESH_ROOT", "/data"),
		MeshFiles:   getenvCSV("ANGIOGEN_MESH_FILES", []string{"mesh.stl"}),
		Workers:     workers,
		CameraFile:  os.Getenv("ANGIOGEN_CAMERA_FILE"),
		RendererCmd: getenvCSV("ANGIOGEN_RENDERER_CMD", nil),
		StaticDir:   os.Getenv("ANGIOGEN_STATIC_DIR"),
		MQTTBroker:  os.Getenv("ANGIOGEN_MQTT_BROKER"),
		MQTTTopic:   getenv("ANGIOGEN_MQTT_TOPIC", "angiogen/jobs"),
		LogLevel:    level,
	}, nil
}

// cameraFile mirrors model.CameraConfig with pointers so absent keys can be told
// apart from zero values.
type cameraFile struct {
	SID        *float64    `yaml:"sid"`
	BeamEnergy *float64    `yaml:"beam_energy"`
	PixelSize  *[2]float64 `yaml:"pixel_size"`
	ImageSize  *[2]int     `yaml:"image_size"`
}

// LoadCamera reads the persisted camera defaults. An empty path yields the
// built-in defaults. Every field is required in a file.
func LoadCamera(path string) (model.CameraConfig, error) {
	if path == "" {
		return model.DefaultCamera(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CameraConfig{}, fmt.Errorf("read camera file: %w", err)
	}
	return ParseCamera(data)
}

func ParseCamera(data []byte) (model.CameraConfig, error) {
	var f cameraFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.CameraConfig{}, fmt.Errorf("parse camera file: %w", err)
	}

	var missing []string
	if f.SID == nil {
		missing = append(missing, "sid")
	}
	if f.BeamEnergy == nil {
		missing = append(missing, "beam_energy")
	}
	if f.PixelSize == nil {
		missing = append(missing, "pixel_size")
	}
	if f.ImageSize == nil {
		missing = append(missing, "image_size")
	}
	if len(missing) > 0 {
		return model.CameraConfig{}, fmt.Errorf("camera: %w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	cam := model.CameraConfig{
		SID:        *f.SID,
		BeamEnergy: *f.BeamEnergy,
		PixelSize:  *f.PixelSize,
		ImageSize:  *f.ImageSize,
	}
	if err := cam.Validate(); err != nil {
		return model.CameraConfig{}, fmt.Errorf("camera: %w", err)
	}
	return cam, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

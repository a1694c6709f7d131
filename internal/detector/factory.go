package detector

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrNoModel is returned by New when no model is configured.
var ErrNoModel = errors.New("no detection model configured")

// New builds the engine matching config.ModelPath: a .py path runs a
// detection service process, any other path is loaded as a DNN.
func New(config Config) (Engine, error) {
	switch {
	case config.ModelPath == "":
		return nil, ErrNoModel
	case strings.EqualFold(filepath.Ext(config.ModelPath), ".py"):
		return NewProcessDetector(config, config.ModelPath)
	default:
		return NewYOLODetector(config)
	}
}

//go:build !cgo

package asr

import "errors"

// NewWhisperEngine requires cgo for the whisper.cpp bindings.
func NewWhisperEngine(modelPath string) (Engine, error) {
	return nil, errors.New("whispercpp engine requires a cgo build")
}

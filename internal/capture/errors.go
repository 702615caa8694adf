package capture

import "errors"

var (
	ErrCapabilityUnavailable = errors.New("audio capture capability unavailable")
	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrModelLoad             = errors.New("recognition model load failed")
	ErrPipelineSetup         = errors.New("audio pipeline setup failed")
	ErrRecognizer            = errors.New("recognizer failure")
	// ErrStartAborted is returned by a Start that a concurrent Stop overtook.
	ErrStartAborted = errors.New("start aborted by stop")
)

package port

import "errors"

// Sentinel errors used across ports.
var (
	ErrLocationUnresolved = errors.New("location unresolved")
	ErrNotVisible         = errors.New("not visible")
	ErrAlreadyRunning     = errors.New("pipeline already running")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrPipelineNotFound   = errors.New("pipeline record not found")
	ErrBriefingNotFound   = errors.New("briefing not found")
	ErrTerminal           = errors.New("pipeline record is terminal")
	ErrPhaseRegression    = errors.New("phase regression")
	ErrPhaseConflict      = errors.New("pipeline record changed concurrently")
	ErrGeneratorMissing   = errors.New("generator not registered")
)

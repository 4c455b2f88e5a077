package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrEmptyNotification = errors.New("notification title and body are required")
	ErrTaskNotFound      = errors.New("task not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTaskRunning       = errors.New("task is currently running")
	ErrPromptRequired    = errors.New("task prompt is required")
	ErrUnknownProvider   = errors.New("unknown provider")
)

package supervisor

import "errors"

var (
	ErrProvision = errors.New("failed to provision backend")

	ErrBackendStartFailed = errors.New("failed to start backend")

	ErrBackendUnhealthy = errors.New("backend did not become healthy")

	ErrNoFreePort = errors.New("no free backend port")

	ErrImagePullFailed = errors.New("failed to pull backend image")
)

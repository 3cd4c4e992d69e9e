// Package api provides the embedded admin HTTP API (SPEC_FULL.md §6):
// read-only Pool/Group inspection plus a restart/detach launch-and-stop
// surface, built with gin the way the teacher's internal/agent/api and
// internal/orchestrator/api packages are.
package api

import "time"

// RestartGroupRequest carries an optional Options override for the
// rebuilt Group (spec.md §4.2.3 restart / SPEC_FULL.md §9 "Rolling
// restart"). Each empty field (nil Env) keeps the Group's existing value;
// each non-empty field replaces it.
type RestartGroupRequest struct {
	AppRoot     string            `json:"appRoot,omitempty"`
	AppType     string            `json:"appType,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Interpreter string            `json:"interpreter,omitempty"`
	SpawnMethod string            `json:"spawnMethod,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// ErrorResponse is the JSON error envelope, matching
// internal/common/errors.AppError's public shape.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

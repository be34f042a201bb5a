package ratelimit

// Cloud API throttle limits
//
// The vendor does not publish its limits. Device-control writes (power,
// brightness) were observed to be rejected above roughly 300 per minute per
// account; reads and login were never throttled in practice, so only the
// write scope carries a limiter. The 429 feedback path (Drain + SetCooldown)
// covers the case where the server tightens the limit.
//
// Write scope defaults live in internal/constants (WriteRateLimit,
// WriteRateWindow) so config validation can reference them.

// Visibility thresholds for utilization-based rate limit notifications.
//
// Hysteresis prevents flickering between warn and silent states:
//   - Warning activates when utilization >= UtilizationWarnThreshold (80%)
//   - Warning deactivates only when utilization drops below UtilizationSuppressThreshold (50%)
const (
	// UtilizationWarnThreshold is the utilization level above which warnings are emitted.
	UtilizationWarnThreshold = 0.80

	// UtilizationSuppressThreshold is the utilization level below which warnings are suppressed.
	// Must be less than UtilizationWarnThreshold to provide hysteresis.
	UtilizationSuppressThreshold = 0.50
)

// Endpoint Scope Assignments
//
// WRITE SCOPE (300 per 60s):
//   - PUT /v1/devices/{id}/power
//   - PUT /v1/devices/{id}/brightness
//
// READ SCOPE (not limited locally; cached and deduplicated instead):
//   - GET /v1/devices
//   - GET /v1/devices/{id}/status
//
// AUTH SCOPE (not limited locally; retried with the conservative policy):
//   - POST /v1/auth/login

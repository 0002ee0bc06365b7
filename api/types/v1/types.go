// Package types defines shared API types for the PBX REST surface.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// Device represents one endpoint registered to an extension.
type Device struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Name               string `json:"name"`
	RegistrationStatus string `json:"registration_status"`
	MAC                string `json:"mac,omitempty"`
}

// DevicesResponse is the response from /api/v1/extensions/{ext}/devices
type DevicesResponse struct {
	Extension string   `json:"extension"`
	Devices   []Device `json:"devices"`
}

// ClickToCallRequest asks the PBX to ring a device and bridge it to the
// destination.
type ClickToCallRequest struct {
	Extension   string `json:"extension"`
	Destination string `json:"destination"`
	DeviceID    string `json:"device_id"`
}

// ClickToCallResponse is the response from /api/v1/calls/click-to-call
type ClickToCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// AudioRouteRequest re-points the server-side audio path at a device.
type AudioRouteRequest struct {
	DeviceID string `json:"device_id"`
}

// ErrorResponse is the PBX error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

package pbx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/callsign/api/types/v1"
	"github.com/sebas/callsign/internal/webphone/device"
)

func TestDevicesMapsBindings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/extensions/1001/devices", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(types.DevicesResponse{
			Extension: "1001",
			Devices: []types.Device{
				{ID: "sp-1", Type: "softphone", Name: "Softphone", RegistrationStatus: "registered"},
				{ID: "dp-1", Type: "desk_phone", Name: "Desk Phone", MAC: "00:11:22:33:44:55"},
				{ID: "x-1", Type: "fax_bridge", Name: "Oddball"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1001", "tok-1")
	bindings, err := c.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	assert.Equal(t, device.KindSoftphone, bindings[0].Kind)
	assert.Equal(t, "registered", bindings[0].RegistrationStatus)
	assert.Equal(t, device.KindDeskPhone, bindings[1].Kind)
	assert.Equal(t, "00:11:22:33:44:55", bindings[1].MAC)
	// Unknown device types fall back to softphone.
	assert.Equal(t, device.KindSoftphone, bindings[2].Kind)
}

func TestClickToCallPostsRequest(t *testing.T) {
	var got types.ClickToCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/calls/click-to-call", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(types.ClickToCallResponse{CallID: "c-1", Status: "ringing"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1001", "tok-1")
	require.NoError(t, c.ClickToCall(context.Background(), "1001", "5551234", "dp-1"))
	assert.Equal(t, types.ClickToCallRequest{
		Extension:   "1001",
		Destination: "5551234",
		DeviceID:    "dp-1",
	}, got)
}

func TestRouteAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/extensions/1001/audio-route", r.URL.Path)
		var got types.AudioRouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "dp-1", got.DeviceID)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1001", "")
	require.NoError(t, c.RouteAudio(context.Background(), "dp-1"))
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "device not on this extension"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1001", "tok-1")
	err := c.RouteAudio(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device not on this extension")
	assert.Contains(t, err.Error(), "403")
}

func TestSetToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(types.HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "1001", "old")
	_, err := c.Health(context.Background())
	require.NoError(t, err)

	c.SetToken("new")
	_, err = c.Health(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer old", "Bearer new"}, seen)
}

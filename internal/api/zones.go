package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
)

// zoneView is the API representation of one zone.
type zoneView struct {
	Zone        string    `json:"zone"`
	Power       *bool     `json:"power"`
	VolumeStep  *int      `json:"volume_step"`
	VolumeDB    *float64  `json:"volume_db"`
	Muted       *bool     `json:"muted"`
	Input       *string   `json:"input"`
	InputName   string    `json:"input_name,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

func newZoneView(state cisip2.ZoneState) zoneView {
	v := zoneView{
		Zone:        string(state.Zone),
		Power:       state.Power,
		VolumeStep:  state.VolumeStep,
		VolumeDB:    state.VolumeDB,
		Muted:       state.Muted,
		LastUpdated: state.LastUpdated,
	}
	if state.Input != nil {
		code := string(*state.Input)
		v.Input = &code
		v.InputName = state.Input.DisplayName()
	}
	return v
}

// CommandRequest is the body for POST /zones/{zone}/command.
type CommandRequest struct {
	// Action names the operation: power, mute, input, volumestep, volumedb,
	// volume+, volume-, soundfield.
	Action string `json:"action"`

	// Value is the action argument. Bool for power/mute, string for
	// input/soundfield, number for volume levels. Absent for volume nudges.
	Value any `json:"value,omitempty"`
}

// CommandResponse reports a confirmed command.
type CommandResponse struct {
	Zone    string `json:"zone"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Feature string `json:"feature,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// handleListZones returns snapshots of every zone.
func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	states := s.controller.ZoneStates()
	zones := make([]zoneView, 0, len(states))
	for _, state := range states {
		zones = append(zones, newZoneView(state))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"zones": zones,
		"count": len(zones),
	})
}

// handleGetZone returns a snapshot of one zone.
func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	zone, ok := s.zoneParam(w, r)
	if !ok {
		return
	}

	state, err := s.controller.ZoneState(zone)
	if err != nil {
		writeNotFound(w, "zone not found")
		return
	}

	writeJSON(w, http.StatusOK, newZoneView(state))
}

// handleZoneCommand executes one command against the receiver and waits for
// its terminal result. The response status reflects the receiver's answer.
func (s *Server) handleZoneCommand(w http.ResponseWriter, r *http.Request) {
	zone, ok := s.zoneParam(w, r)
	if !ok {
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	result, err := s.controller.SubmitCommand(r.Context(), cisip2.CommandRequest{
		Zone:  zone,
		Kind:  cisip2.CommandKind(strings.ToLower(req.Action)),
		Value: req.Value,
	})
	if err == nil {
		err = result.Err
	}
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{
		Zone:    string(zone),
		Action:  req.Action,
		Status:  "accepted",
		Feature: result.Feature,
		Value:   result.Value,
	})
}

// writeCommandError maps client errors onto HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cisip2.ErrInvalidCommand), errors.Is(err, cisip2.ErrUnknownZone):
		writeBadRequest(w, err.Error())
	case errors.Is(err, cisip2.ErrCommandInFlight):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, cisip2.ErrNotConnected), errors.Is(err, cisip2.ErrConnectFailed):
		writeServiceUnavailable(w, err.Error())
	case errors.Is(err, cisip2.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, cisip2.ErrDeviceRejected):
		writeError(w, http.StatusBadGateway, ErrCodeRejected, err.Error())
	default:
		writeInternalError(w, "command failed")
	}
}

// zoneParam parses and validates the {zone} URL parameter.
func (s *Server) zoneParam(w http.ResponseWriter, r *http.Request) (cisip2.ZoneID, bool) {
	zone, err := cisip2.ParseZone(chi.URLParam(r, "zone"))
	if err != nil {
		writeNotFound(w, "unknown zone")
		return "", false
	}
	return zone, true
}

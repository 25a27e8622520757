package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iamslan/fossibot/internal/controller"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/registers"
	"github.com/iamslan/fossibot/internal/state"
)

// writeSource tags API writes in the audit log.
const writeSource = "api"

// DeviceResponse describes one device and its current state.
type DeviceResponse struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Model         string             `json:"model"`
	ModbusAddress uint8              `json:"modbus_address"`
	ModbusCount   uint16             `json:"modbus_count"`
	State         *state.DeviceState `json:"state,omitempty"`
}

// FieldResponse describes one register-backed field.
type FieldResponse struct {
	Field    string   `json:"field"`
	Address  uint16   `json:"address"`
	Bank     string   `json:"bank"`
	Kind     string   `json:"kind"`
	Unit     string   `json:"unit,omitempty"`
	Access   string   `json:"access"`
	Labels   []string `json:"labels,omitempty"`
	Writable bool     `json:"writable"`
}

// WriteFieldRequest is the body of PUT /devices/{id}/fields/{field}.
type WriteFieldRequest struct {
	Value any `json:"value"`
}

// WriteFieldResponse reports an acknowledged write.
type WriteFieldResponse struct {
	CorrelationID string    `json:"correlation_id"`
	DeviceID      string    `json:"device_id"`
	Field         string    `json:"field"`
	Register      uint16    `json:"register"`
	Values        []uint16  `json:"values"`
	IssuedAt      time.Time `json:"issued_at"`
	AckedAt       time.Time `json:"acked_at"`
	LatencyMS     int64     `json:"latency_ms"`
}

// handleListDevices returns every device on the account with its state.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.conn.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.deviceResponse(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleGetDevice returns one device with its state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.findDevice(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, s.deviceResponse(d))
}

// handleGetDeviceState returns the latest snapshot of a device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, ok := s.state.Get(id)
	if !ok {
		if _, known := s.findDevice(id); !known {
			writeNotFound(w, "device not found")
			return
		}
		ds = state.DeviceState{DeviceID: id, Fields: map[string]any{}}
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleWriteField sets one field and waits for the device to acknowledge.
//
// Body: {"value": <number | bool | label | numeric string>}
func (s *Server) handleWriteField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	field := chi.URLParam(r, "field")

	var req WriteFieldRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	value, err := normalizeValue(req.Value)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.commands.Write(r.Context(), controller.WriteRequest{
		DeviceID: id,
		Field:    field,
		Value:    value,
		Source:   writeSource,
	})
	if err != nil {
		s.logger.Info("field write failed",
			"device_id", id,
			"field", field,
			"error", err,
			"request_id", requestID(r),
		)
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WriteFieldResponse{
		CorrelationID: res.CorrelationID,
		DeviceID:      res.DeviceID,
		Field:         field,
		Register:      res.Register,
		Values:        res.Values,
		IssuedAt:      res.IssuedAt,
		AckedAt:       res.AckedAt,
		LatencyMS:     res.Latency().Milliseconds(),
	})
}

// handleListFields returns the register map of a model.
//
// Query parameters:
//   - model: model key (default model when absent)
//   - writable: "true" to list only writable fields
func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("model")
	model, ok := registers.Lookup(key)
	if !ok && key != "" {
		writeNotFound(w, "unknown model: "+key)
		return
	}

	descs := model.Descriptors()
	if r.URL.Query().Get("writable") == "true" {
		descs = model.Writable()
	}

	out := make([]FieldResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, fieldResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":  model.Key,
		"name":   model.Name,
		"fields": out,
	})
}

func (s *Server) findDevice(id string) (orchestrator.Device, bool) {
	for _, d := range s.conn.Devices() {
		if d.ID == id {
			return d, true
		}
	}
	return orchestrator.Device{}, false
}

func (s *Server) deviceResponse(d orchestrator.Device) DeviceResponse {
	model, _ := registers.Lookup(d.ModelKey)
	resp := DeviceResponse{
		ID:            d.ID,
		Name:          d.Name,
		Model:         model.Key,
		ModbusAddress: model.DeviceAddress,
		ModbusCount:   model.ReadCount,
	}
	if d.ModbusAddress != 0 {
		resp.ModbusAddress = d.ModbusAddress
	}
	if d.ModbusCount != 0 {
		resp.ModbusCount = d.ModbusCount
	}
	if ds, ok := s.state.Get(d.ID); ok {
		resp.State = &ds
	}
	return resp
}

func fieldResponse(d registers.Descriptor) FieldResponse {
	kind := "number"
	switch d.Kind {
	case registers.KindBool:
		kind = "bool"
	case registers.KindEnum:
		kind = "enum"
	}
	return FieldResponse{
		Field:    d.Field,
		Address:  d.Address,
		Bank:     d.Bank.String(),
		Kind:     kind,
		Unit:     d.Unit,
		Access:   d.Access.String(),
		Labels:   d.Labels,
		Writable: d.Access == registers.ReadWrite,
	}
}

// normalizeValue converts a decoded JSON value to a type Descriptor.Raw
// accepts.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, errors.New("value is not a valid number")
		}
		return f, nil
	case bool, string:
		return x, nil
	default:
		return nil, errors.New("value must be a number, boolean or string")
	}
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// DecodeError reports a frame that is not a well-formed envelope: not a JSON
// object, or missing the mandatory type field. Frames with an unrecognized
// type are NOT decode errors; they decode to a payload-empty Envelope.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decoding envelope: " + e.Reason
}

// wireEnvelope is the JSON shape of every frame. Payload fields are all
// optional; which one is meaningful depends on Type.
type wireEnvelope struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
	Data      *Status  `json:"data,omitempty"`
	Devices   []Device `json:"devices,omitempty"`
}

// Decode parses a raw frame into an Envelope. The type field is sniffed with
// gjson before committing to a full unmarshal so that frames of an unknown
// type never fail on payload shape. Stateless and side-effect free.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, &DecodeError{Reason: "frame is not valid JSON"}
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, &DecodeError{Reason: "frame is not a JSON object"}
	}

	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, &DecodeError{Reason: "missing type field"}
	}

	env := Envelope{Type: typ.Str}
	if !env.Recognized() {
		// Ignored variant: valid envelope, empty payload.
		return env, nil
	}

	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unmarshalling %s payload: %v", typ.Str, err)}
	}

	env.DeviceID = w.DeviceID
	env.Timestamp = parseTimestamp(w.Timestamp)

	switch env.Type {
	case TypeDeviceUpdate:
		env.Delta = w.Data
		if env.Delta == nil {
			env.Delta = &Status{}
		}

	case TypeDeviceListUpdate:
		for i := range w.Devices {
			normalizeDevice(&w.Devices[i])
		}

		env.Devices = w.Devices
	}

	return env, nil
}

// Encode serializes an envelope back to its wire form. Only the outbound
// heartbeat uses this today, but it is the full inverse of Decode.
func Encode(env Envelope) ([]byte, error) {
	w := wireEnvelope{
		Type:     env.Type,
		DeviceID: env.DeviceID,
		Data:     env.Delta,
		Devices:  env.Devices,
	}
	if !env.Timestamp.IsZero() {
		w.Timestamp = env.Timestamp.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", env.Type, err)
	}

	return data, nil
}

// parseTimestamp is tolerant: a missing or unparseable timestamp yields the
// zero time rather than failing the whole frame.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return ts
}

// normalizeDevice NFC-normalizes the user-facing name fields so that
// composed and decomposed spellings of the same name do not read as
// changes when merged into the registry.
func normalizeDevice(d *Device) {
	d.Name = norm.NFC.String(d.Name)
	d.FriendlyName = norm.NFC.String(d.FriendlyName)
}

// NormalizeDevices applies name normalization in place. Used by the
// bootstrap fetch path, which bypasses Decode.
func NormalizeDevices(devices []Device) {
	for i := range devices {
		normalizeDevice(&devices[i])
	}
}

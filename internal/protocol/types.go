package protocol

import "time"

// Envelope type discriminators used on the wire.
const (
	TypeDeviceUpdate          = "device_update"
	TypeDeviceListUpdate      = "device_list_update"
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatResponse     = "heartbeat_response"
)

// Status is the telemetry bundle attached to a device. Every field is
// independently optional: a nil pointer means "not reported", which the
// registry must not confuse with a reported zero value.
type Status struct {
	WaterLeak         *bool      `json:"water_leak,omitempty"`
	Battery           *int       `json:"battery,omitempty"`
	BatteryLow        *bool      `json:"battery_low,omitempty"`
	LinkQuality       *int       `json:"linkquality,omitempty"`
	DeviceTemperature *float64   `json:"device_temperature,omitempty"`
	Voltage           *int       `json:"voltage,omitempty"`
	PowerOutageCount  *int       `json:"power_outage_count,omitempty"`
	TriggerCount      *int       `json:"trigger_count,omitempty"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
}

// IsZero reports whether no field of the status is set.
func (s Status) IsZero() bool {
	return s.WaterLeak == nil && s.Battery == nil && s.BatteryLow == nil &&
		s.LinkQuality == nil && s.DeviceTemperature == nil && s.Voltage == nil &&
		s.PowerOutageCount == nil && s.TriggerCount == nil && s.LastSeen == nil
}

// Device is a full device object as sent in device_list_update frames and
// bootstrap fetch responses. ID is the stable network-address identifier
// and is immutable; every other field is replaceable.
type Device struct {
	ID           string `json:"device_id"`
	Name         string `json:"name,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Class        string `json:"class,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Model        string `json:"model,omitempty"`
	Status       Status `json:"status,omitzero"`
}

// Envelope is one decoded message from the stream. Exactly one of Delta and
// Devices is populated, consistent with Type. An Envelope with an
// unrecognized Type carries no payload and must be discarded by the caller,
// never treated as fatal.
type Envelope struct {
	Type      string
	Timestamp time.Time
	DeviceID  string
	Delta     *Status
	Devices   []Device
}

// Recognized reports whether the envelope type is part of the protocol.
func (e Envelope) Recognized() bool {
	switch e.Type {
	case TypeDeviceUpdate, TypeDeviceListUpdate, TypeConnectionEstablished,
		TypeHeartbeat, TypeHeartbeatResponse:
		return true
	}

	return false
}

// Heartbeat returns the outbound keep-alive envelope.
func Heartbeat() Envelope {
	return Envelope{Type: TypeHeartbeat}
}

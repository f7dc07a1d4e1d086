package feed

import "encoding/json"

// DataUpdate is the composite snapshot pushed with a dataUpdate event.
// Every category is optional; sequences are ordered oldest first and the
// last element is the current one.
type DataUpdate struct {
	DeviceStatus []DeviceStatus `json:"devicestatus,omitempty"`
	SGVs         []SGV          `json:"sgvs,omitempty"`
	Treatments   []Treatment    `json:"treatments,omitempty"`
	Food         []Food         `json:"food,omitempty"`
	LastUpdated  *int64         `json:"lastUpdated,omitempty"`
}

// rawDataUpdate defers decoding of each category so one malformed
// category does not keep the others from being projected.
type rawDataUpdate struct {
	DeviceStatus json.RawMessage `json:"devicestatus"`
	SGVs         json.RawMessage `json:"sgvs"`
	Treatments   json.RawMessage `json:"treatments"`
	Food         json.RawMessage `json:"food"`
	LastUpdated  json.RawMessage `json:"lastUpdated"`
}

// DeviceStatus is one uploader/pump status report.
type DeviceStatus struct {
	Device    string    `json:"device"`
	CreatedAt string    `json:"created_at,omitempty"`
	Mills     int64     `json:"mills,omitempty"`
	Pump      *Pump     `json:"pump,omitempty"`
	Uploader  *Uploader `json:"uploader,omitempty"`
}

// Pump is the pump sub-record of a device status.
type Pump struct {
	Clock     string       `json:"clock,omitempty"`
	Reservoir *float64     `json:"reservoir,omitempty"`
	IOB       *PumpIOB     `json:"iob,omitempty"`
	Battery   *PumpBattery `json:"battery,omitempty"`
	Status    *PumpStatus  `json:"status,omitempty"`
}

type PumpIOB struct {
	BolusIOB *float64 `json:"bolusiob,omitempty"`
}

type PumpBattery struct {
	Percent *float64 `json:"percent,omitempty"`
	Voltage *float64 `json:"voltage,omitempty"`
}

type PumpStatus struct {
	Status    string `json:"status"`
	Bolusing  bool   `json:"bolusing"`
	Suspended bool   `json:"suspended"`
}

// Uploader is the phone/bridge sub-record of a device status.
type Uploader struct {
	Battery *float64 `json:"battery,omitempty"`
}

// SGV is a sensor glucose value. Scaled is the value in the server's
// display units and may be a number or a string.
type SGV struct {
	Mgdl      float64 `json:"mgdl"`
	Mills     int64   `json:"mills"`
	Direction string  `json:"direction,omitempty"`
	Scaled    any     `json:"scaled,omitempty"`
	Device    string  `json:"device,omitempty"`
}

// Treatment is a care-portal event. EventType is free text.
type Treatment struct {
	EventType string `json:"eventType"`
	Mills     int64  `json:"mills"`
	CreatedAt string `json:"created_at,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Food records are decoded but not projected into facts.
type Food struct {
	ID        string `json:"_id,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Name      string `json:"name,omitempty"`
	Carbs     any    `json:"carbs,omitempty"`
}

// Notification is the payload of notification and alarm events.
type Notification struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Level     any             `json:"level,omitempty"`
	Group     string          `json:"group,omitempty"`
}

// authRequest is the body of the outbound authorize event.
type authRequest struct {
	Client  string `json:"client"`
	Secret  string `json:"secret,omitempty"`
	History int    `json:"history"`
}

// authResponse is the server's acknowledgement of authorize.
type authResponse struct {
	Read           bool `json:"read"`
	Write          bool `json:"write"`
	WriteTreatment bool `json:"write_treatment"`
}

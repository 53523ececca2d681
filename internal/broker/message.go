package broker

import (
	"encoding/json"
	"time"
)

// Inbound socket events understood by the broker
const (
	EventNewDevice      = "new_device"
	EventGetDevices     = "get_devices"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventNewData        = "new_data"
	EventGetAllData     = "get_all_data"
	EventClearData      = "clear_data"
	EventSetNewDeviceNr = "set_new_device_nr"
	EventRemoveAll      = "remove_all"
	EventDataStore      = "data_store"
)

// Outbound socket events pushed to connections
const (
	EventDevices        = "devices"
	EventDevice         = "device"
	EventAllData        = "all_data"
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventErrorMsg       = "error_msg"
	EventInformationMsg = "information_msg"
)

// Data message types with broker-side semantics; every other type is
// relayed and stored without interpretation.
const (
	DataTypeUnknown         = "unknown"
	DataTypeAllData         = "all_data"
	DataTypeInputPrompt     = "input_prompt"
	DataTypeInputResponse   = "input_response"
	DataTypeNotification    = "notification"
	DataTypeAlertConfirm    = "alert_confirm"
	DataTypeCancelUserInput = "cancel_user_input"
)

// GlobalListenerRoom receives a copy of all room- and unicast-routed traffic
const GlobalListenerRoom = "GLOBAL_LISTENER"

// ConnID identifies a live connection
type ConnID string

// NewDevicePkg is the payload of a new_device registration event
type NewDevicePkg struct {
	DeviceID    string `json:"device_id"`
	OldDeviceID string `json:"old_device_id,omitempty"`
	IsClient    bool   `json:"is_client"`
}

// RoomPkg is the payload of join_room / leave_room requests
type RoomPkg struct {
	Room string `json:"room"`
}

// RoomDevicePkg notifies a room about a membership change
type RoomDevicePkg struct {
	Room   string  `json:"room"`
	Device *Device `json:"device"`
}

// DevicesPkg carries the full ordered device directory
type DevicesPkg struct {
	TimeStamp float64   `json:"time_stamp"`
	Devices   []*Device `json:"devices"`
}

// DeviceIDPkg addresses a single device id
type DeviceIDPkg struct {
	DeviceID string `json:"device_id"`
}

// AllDataPkg carries the event log of one device id
type AllDataPkg struct {
	DeviceID  string     `json:"device_id"`
	Type      string     `json:"type"`
	TimeStamp float64    `json:"time_stamp"`
	DeviceNr  int        `json:"device_nr"`
	AllData   []*DataMsg `json:"all_data"`
}

// ErrorPkg reports a failed request back to the requester only
type ErrorPkg struct {
	Type string `json:"type"`
	Err  string `json:"err"`
	Msg  string `json:"msg"`
}

// InformationPkg reports the outcome of an administrative request. Action
// echoes the request that triggered it.
type InformationPkg struct {
	TimeStamp   float64         `json:"time_stamp"`
	Message     string          `json:"message"`
	Action      json.RawMessage `json:"action,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	ShouldRetry bool            `json:"should_retry,omitempty"`
}

// SetDeviceNrPkg requests a device number reassignment. CurrentDeviceNr is a
// pointer so that number 0 can be distinguished from an absent field.
type SetDeviceNrPkg struct {
	DeviceID        string `json:"device_id,omitempty"`
	CurrentDeviceNr *int   `json:"current_device_nr,omitempty"`
	NewDeviceNr     int    `json:"new_device_nr"`
}

// DataMsg is a relayed event message. The broker interprets the routing and
// interaction fields below; any other payload fields pass through untouched
// in Extra.
type DataMsg struct {
	DeviceID        string
	DeviceNr        int
	TimeStamp       float64
	Type            string
	Broadcast       bool
	UnicastTo       *int
	DeliverTo       string
	CrossOrigin     bool
	CallerID        string
	ResponseID      string
	InputType       string
	Alert           bool
	StopPropagation bool
	SequenceID      string

	// Extra holds payload fields the broker does not interpret
	Extra map[string]json.RawMessage

	// set during unmarshalling when the device_nr key was present
	hasDeviceNr bool
}

// dataMsgFields mirrors the broker-interpreted keys of a DataMsg on the wire
type dataMsgFields struct {
	DeviceID        string  `json:"device_id,omitempty"`
	DeviceNr        *int    `json:"device_nr,omitempty"`
	TimeStamp       float64 `json:"time_stamp"`
	Type            string  `json:"type,omitempty"`
	Broadcast       bool    `json:"broadcast,omitempty"`
	UnicastTo       *int    `json:"unicast_to,omitempty"`
	DeliverTo       string  `json:"deliver_to,omitempty"`
	CrossOrigin     bool    `json:"cross_origin,omitempty"`
	CallerID        string  `json:"caller_id,omitempty"`
	ResponseID      string  `json:"response_id,omitempty"`
	InputType       string  `json:"input_type,omitempty"`
	Alert           bool    `json:"alert,omitempty"`
	StopPropagation bool    `json:"stop_propagation,omitempty"`
	SequenceID      string  `json:"sequence_id,omitempty"`
}

var dataMsgKeys = map[string]struct{}{
	"device_id": {}, "device_nr": {}, "time_stamp": {}, "type": {},
	"broadcast": {}, "unicast_to": {}, "deliver_to": {}, "cross_origin": {},
	"caller_id": {}, "response_id": {}, "input_type": {}, "alert": {},
	"stop_propagation": {}, "sequence_id": {},
}

// UnmarshalJSON decodes the interpreted fields and keeps every remaining key
// in Extra so scripts can attach arbitrary payloads.
func (m *DataMsg) UnmarshalJSON(data []byte) error {
	var fields dataMsgFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.DeviceID = fields.DeviceID
	m.TimeStamp = fields.TimeStamp
	m.Type = fields.Type
	m.Broadcast = fields.Broadcast
	m.UnicastTo = fields.UnicastTo
	m.DeliverTo = fields.DeliverTo
	m.CrossOrigin = fields.CrossOrigin
	m.CallerID = fields.CallerID
	m.ResponseID = fields.ResponseID
	m.InputType = fields.InputType
	m.Alert = fields.Alert
	m.StopPropagation = fields.StopPropagation
	m.SequenceID = fields.SequenceID

	if fields.DeviceNr != nil {
		m.DeviceNr = *fields.DeviceNr
		m.hasDeviceNr = true
	} else {
		m.DeviceNr = 0
		m.hasDeviceNr = false
	}

	m.Extra = nil
	for key, value := range raw {
		if _, known := dataMsgKeys[key]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[key] = value
	}

	return nil
}

// MarshalJSON merges the interpreted fields with the passthrough payload.
// Interpreted fields win on key collisions.
func (m *DataMsg) MarshalJSON() ([]byte, error) {
	deviceNr := m.DeviceNr
	fields := dataMsgFields{
		DeviceID:        m.DeviceID,
		DeviceNr:        &deviceNr,
		TimeStamp:       m.TimeStamp,
		Type:            m.Type,
		Broadcast:       m.Broadcast,
		UnicastTo:       m.UnicastTo,
		DeliverTo:       m.DeliverTo,
		CrossOrigin:     m.CrossOrigin,
		CallerID:        m.CallerID,
		ResponseID:      m.ResponseID,
		InputType:       m.InputType,
		Alert:           m.Alert,
		StopPropagation: m.StopPropagation,
		SequenceID:      m.SequenceID,
	}

	known, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(dataMsgKeys))
	for key, value := range m.Extra {
		if _, reserved := dataMsgKeys[key]; reserved {
			continue
		}
		merged[key] = value
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}

	return json.Marshal(merged)
}

// responsePromptType maps a response type to the interaction type it answers
func responsePromptType(responseType string) (string, bool) {
	switch responseType {
	case DataTypeInputResponse:
		return DataTypeInputPrompt, true
	case DataTypeAlertConfirm:
		return DataTypeNotification, true
	default:
		return "", false
	}
}

// timeStamp returns the current time as UNIX seconds with sub-second precision
func timeStamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

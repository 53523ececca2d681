package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"beacon/internal/logger"
)

// Conn is the send side of a connected socket. The gateway implements it for
// WebSocket connections; tests implement it in memory.
type Conn interface {
	ID() ConnID
	Send(event string, payload any) error
}

// Broker owns the device registry, room membership, the per-device event log
// and the undelivered interaction queue. Every inbound event is processed to
// completion under one mutex, so all state mutations within one event are
// atomic with respect to other events.
type Broker struct {
	mu sync.Mutex

	conns   map[ConnID]Conn
	devices map[ConnID]*Device
	rooms   *roomSet
	store   *LogStore
	queue   *InteractionQueue
	dedup   *DedupCache

	lastModified float64

	// reassignGuard rejects concurrent device number reassignments instead of
	// queuing them. Number swaps involve multiple dependent reads and writes
	// that must appear indivisible.
	reassignGuard sync.Mutex

	logger zerolog.Logger
}

// New creates a broker. Non-positive limits fall back to defaults
// (100 retained events per device, 256 tracked sequences per device).
func New(historyLimit, dedupSize int) *Broker {
	return &Broker{
		conns:        make(map[ConnID]Conn),
		devices:      make(map[ConnID]*Device),
		rooms:        newRoomSet(),
		store:        NewLogStore(historyLimit),
		queue:        NewInteractionQueue(),
		dedup:        NewDedupCache(dedupSize),
		lastModified: timeStamp(),
		logger:       logger.WithComponent("broker"),
	}
}

// Shutdown drops all broker state
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns = make(map[ConnID]Conn)
	b.devices = make(map[ConnID]*Device)
	b.rooms = newRoomSet()
	b.store = NewLogStore(b.store.threshold)
	b.queue.Flush()
	b.dedup.Purge()

	b.logger.Info().Msg("Broker shut down")
}

// Connect starts tracking a connection and pushes the current directory to it
func (b *Broker) Connect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns[conn.ID()] = conn

	b.logger.Debug().
		Str("conn_id", string(conn.ID())).
		Int("connections", len(b.conns)).
		Msg("Connection opened")

	b.emit(conn, EventDevices, b.devicesPkg())
}

// Disconnect removes a connection, notifies its rooms and refreshes the
// directory on all remaining connections.
func (b *Broker) Disconnect(id ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	device := b.devices[id]
	for _, room := range b.rooms.roomsOf(id) {
		b.emitToRoomExcept(room, id, EventRoomLeft, &RoomDevicePkg{Room: room, Device: device})
	}
	b.rooms.dropConn(id)

	delete(b.devices, id)
	delete(b.conns, id)

	b.touchDevices()
	b.broadcastDevices()

	b.logger.Debug().
		Str("conn_id", string(id)).
		Int("connections", len(b.conns)).
		Msg("Connection closed")
}

// Dispatch routes one inbound event to its handler. Malformed payloads are
// logged and dropped; they never abort the connection.
func (b *Broker) Dispatch(conn Conn, event string, data json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Debug().
		Str("conn_id", string(conn.ID())).
		Str("event", event).
		Msg("Handling event")

	switch event {
	case EventNewDevice:
		var pkg NewDevicePkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleNewDevice(conn, &pkg)
	case EventGetDevices:
		b.emit(conn, EventDevices, b.devicesPkg())
	case EventJoinRoom:
		var pkg RoomPkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleJoinRoom(conn, &pkg)
	case EventLeaveRoom:
		var pkg RoomPkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleLeaveRoom(conn, &pkg)
	case EventNewData:
		var msg DataMsg
		if !b.decode(conn, event, data, &msg) {
			return
		}
		b.handleNewData(conn, &msg)
	case EventGetAllData:
		var pkg DeviceIDPkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleGetAllData(conn, &pkg)
	case EventClearData:
		var pkg DeviceIDPkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleClearData(&pkg)
	case EventSetNewDeviceNr:
		var pkg SetDeviceNrPkg
		if !b.decode(conn, event, data, &pkg) {
			return
		}
		b.handleSetDeviceNr(conn, &pkg, data)
	case EventRemoveAll:
		b.handleRemoveAll(conn)
	case EventDataStore:
		b.emit(conn, EventDataStore, b.store.Snapshot())
	default:
		b.logger.Warn().
			Str("event", event).
			Str("conn_id", string(conn.ID())).
			Msg("Unknown event")
	}
}

// handleNewDevice registers (or re-registers) the connection under a device
// id. An empty device id is a no-op apart from the directory refresh.
func (b *Broker) handleNewDevice(conn Conn, pkg *NewDevicePkg) {
	id := conn.ID()

	// Remove any existing record for this connection first
	if old := b.devices[id]; old != nil {
		oldRoom := pkg.OldDeviceID
		if oldRoom == "" {
			oldRoom = old.DeviceID
		}
		b.rooms.leave(id, oldRoom)
		b.emitToRoom(oldRoom, EventRoomLeft, &RoomDevicePkg{Room: oldRoom, Device: old})
		delete(b.devices, id)
	}

	if len(pkg.DeviceID) > 0 {
		b.store.EnsureBucket(pkg.DeviceID)

		device := &Device{
			DeviceID: pkg.DeviceID,
			IsClient: pkg.IsClient,
			DeviceNr: nextFreeNr(b.allDevices(), pkg.IsClient),
			ConnID:   id,
		}

		b.touchDevices()
		b.devices[id] = device

		if err := b.joinRoom(id, pkg.DeviceID); err != nil {
			b.emit(conn, EventErrorMsg, &ErrorPkg{
				Type: EventNewDevice,
				Err:  err.Error(),
				Msg:  fmt.Sprintf("Could not join room '%s'", pkg.DeviceID),
			})
		} else {
			b.emitToRoom(pkg.DeviceID, EventRoomJoined, &RoomDevicePkg{Room: pkg.DeviceID, Device: device})
			b.emit(conn, EventDevice, device)
		}

		b.logger.Info().
			Str("device_id", device.DeviceID).
			Int("device_nr", device.DeviceNr).
			Bool("is_client", device.IsClient).
			Msg("Device registered")

		if device.IsClient {
			b.replayPending(conn, device.DeviceID)
		}
	}

	b.broadcastDevices()
}

// replayPending re-emits queued interactions for the device id as ordinary
// data events, oldest first. Each interaction is replayed at most once.
func (b *Broker) replayPending(conn Conn, deviceID string) {
	for _, msg := range b.queue.TakeForReplay(deviceID) {
		b.emit(conn, EventNewData, msg)
	}
}

func (b *Broker) handleJoinRoom(conn Conn, pkg *RoomPkg) {
	if pkg.Room == "" {
		return
	}
	id := conn.ID()
	if b.rooms.has(id, pkg.Room) {
		return
	}

	device := b.devices[id]
	if err := b.joinRoom(id, pkg.Room); err != nil {
		b.emit(conn, EventErrorMsg, &ErrorPkg{
			Type: EventJoinRoom,
			Err:  err.Error(),
			Msg:  fmt.Sprintf("Could not join room '%s'", pkg.Room),
		})
		return
	}
	b.emitToRoom(pkg.Room, EventRoomJoined, &RoomDevicePkg{Room: pkg.Room, Device: device})
}

func (b *Broker) handleLeaveRoom(conn Conn, pkg *RoomPkg) {
	if pkg.Room == "" {
		return
	}
	id := conn.ID()
	if !b.rooms.has(id, pkg.Room) {
		return
	}

	device := b.devices[id]
	if err := b.leaveRoom(id, pkg.Room); err != nil {
		b.emit(conn, EventErrorMsg, &ErrorPkg{
			Type: EventLeaveRoom,
			Err:  err.Error(),
			Msg:  fmt.Sprintf("Could not leave room '%s'", pkg.Room),
		})
		return
	}
	left := &RoomDevicePkg{Room: pkg.Room, Device: device}
	b.emitToRoom(pkg.Room, EventRoomLeft, left)
	b.emit(conn, EventRoomLeft, left)
}

// handleNewData routes one data message: resolve the target device id, apply
// interaction bookkeeping, record it in the log and deliver it.
func (b *Broker) handleNewData(conn Conn, msg *DataMsg) {
	// Nothing to address the message with
	if msg.DeviceID == "" && !msg.hasDeviceNr {
		return
	}

	deviceID := msg.DeviceID
	if deviceID == "" {
		if sender := b.deviceByNr(msg.DeviceNr); sender != nil {
			deviceID = sender.DeviceID
		}
	}
	if deviceID == "" {
		return
	}

	// Redirect to another device id on request
	if msg.DeliverTo != "" && msg.DeliverTo != deviceID {
		deviceID = msg.DeliverTo
		msg.CrossOrigin = true
	}

	// A resolvable unicast target overrides the room target
	var unicast *Device
	if msg.UnicastTo != nil {
		if target := b.deviceByNr(*msg.UnicastTo); target != nil {
			unicast = target
			deviceID = target.DeviceID
			msg.Broadcast = false
		}
	}

	if msg.Type == "" {
		msg.Type = DataTypeUnknown
	}

	// Interactive prompts and acknowledgement-requiring alerts are stamped
	// with the requester's identity and held until answered.
	if msg.Type == DataTypeInputPrompt || (msg.Type == DataTypeNotification && msg.Alert) {
		msg.ResponseID = string(conn.ID())
		queued := *msg
		queued.DeviceID = deviceID
		b.queue.Add(&queued)
	}

	if promptType, isResponse := responsePromptType(msg.Type); isResponse {
		b.queue.Resolve(deviceID, promptType, msg.TimeStamp)
		b.store.RemoveMatching(deviceID, promptType, msg.TimeStamp)
	} else if msg.Type != DataTypeAllData {
		b.store.Append(deviceID, msg)
	}

	// Suppress repeated forwards of the same tagged sequence
	if msg.SequenceID != "" && b.dedup.Seen(deviceID, msg.SequenceID) {
		msg.StopPropagation = true
	}
	if msg.StopPropagation {
		return
	}

	switch {
	case msg.CallerID != "":
		// Direct reply to the requesting connection
		b.emitToConn(ConnID(msg.CallerID), EventNewData, msg)
		if promptType, isResponse := responsePromptType(msg.Type); isResponse {
			cancel := &DataMsg{
				DeviceID:   deviceID,
				TimeStamp:  msg.TimeStamp,
				DeviceNr:   msg.DeviceNr,
				ResponseID: msg.CallerID,
				InputType:  promptType,
				Type:       DataTypeCancelUserInput,
			}
			b.emitToRoom(deviceID, EventNewData, cancel)
		}
	case msg.Broadcast:
		b.emitToAll(EventNewData, msg)
	case unicast != nil:
		b.emitToConn(unicast.ConnID, EventNewData, msg)
		b.emitToRoom(GlobalListenerRoom, EventNewData, msg)
	default:
		b.emitToRoom(deviceID, EventNewData, msg)
		b.emitToRoom(GlobalListenerRoom, EventNewData, msg)
	}
}

func (b *Broker) handleGetAllData(conn Conn, pkg *DeviceIDPkg) {
	if pkg.DeviceID == "" || !b.store.Has(pkg.DeviceID) {
		return
	}
	b.emit(conn, EventAllData, b.allDataPkg(pkg.DeviceID))
}

func (b *Broker) handleClearData(pkg *DeviceIDPkg) {
	if pkg.DeviceID == "" || !b.store.Has(pkg.DeviceID) {
		return
	}
	b.store.Clear(pkg.DeviceID)
	b.dedup.ClearDevice(pkg.DeviceID)
	b.emitToAll(EventAllData, b.allDataPkg(pkg.DeviceID))
}

// handleSetDeviceNr performs a device number reassignment. A reassignment
// already in flight rejects the request with a retry hint; it is never queued.
func (b *Broker) handleSetDeviceNr(conn Conn, pkg *SetDeviceNrPkg, action json.RawMessage) {
	if !b.reassignGuard.TryLock() {
		b.emit(conn, EventInformationMsg, &InformationPkg{
			TimeStamp:   timeStamp(),
			Message:     "Error",
			Action:      action,
			Cause:       "another script tries to change the device nr",
			ShouldRetry: true,
		})
		return
	}
	defer b.reassignGuard.Unlock()

	// A failure mid-reassignment must still answer the requester; the guard
	// release above runs regardless.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Msg("Device number reassignment failed")
			b.emit(conn, EventInformationMsg, &InformationPkg{
				TimeStamp: timeStamp(),
				Message:   "Error",
				Action:    action,
				Cause:     fmt.Sprintf("%v", r),
			})
		}
	}()

	if pkg.DeviceID == "" && pkg.CurrentDeviceNr == nil {
		b.emit(conn, EventInformationMsg, &InformationPkg{
			TimeStamp: timeStamp(),
			Message:   "Error",
			Action:    action,
			Cause:     `data did not contain valid fields "device_id" or "current_device_nr"`,
		})
		return
	}

	var target *Device
	if pkg.CurrentDeviceNr != nil {
		target = b.deviceByNr(*pkg.CurrentDeviceNr)
	} else {
		// First match in directory listing order
		if matches := b.orderedDevices(pkg.DeviceID); len(matches) > 0 {
			target = matches[0]
		}
	}
	if target == nil {
		b.emit(conn, EventInformationMsg, &InformationPkg{
			TimeStamp: timeStamp(),
			Message:   "Error",
			Action:    action,
			Cause:     "no device found",
		})
		return
	}

	displaced := b.deviceByNr(pkg.NewDeviceNr)
	target.DeviceNr = pkg.NewDeviceNr
	if displaced != nil && displaced != target {
		displaced.DeviceNr = nextFreeNr(b.allDevices(), displaced.IsClient)
		b.emitToConn(displaced.ConnID, EventDevice, displaced)

		b.logger.Info().
			Str("device_id", displaced.DeviceID).
			Int("device_nr", displaced.DeviceNr).
			Msg("Displaced device renumbered")
	}
	b.emitToConn(target.ConnID, EventDevice, target)

	b.touchDevices()
	b.broadcastDevices()
	b.emit(conn, EventInformationMsg, &InformationPkg{
		TimeStamp: timeStamp(),
		Message:   "Success",
		Action:    action,
	})

	b.logger.Info().
		Str("device_id", target.DeviceID).
		Int("device_nr", target.DeviceNr).
		Msg("Device number reassigned")
}

// handleRemoveAll wipes every event log except the caller's own and flushes
// the undelivered interaction queue.
func (b *Broker) handleRemoveAll(conn Conn) {
	keep := ""
	if device := b.devices[conn.ID()]; device != nil {
		keep = device.DeviceID
	}

	b.store.ClearAllExcept(keep)
	b.queue.Flush()
	b.dedup.Purge()

	b.touchDevices()
	b.emitToAll(EventDataStore, b.store.Snapshot())

	b.logger.Info().
		Str("kept_device_id", keep).
		Msg("Data store wiped")
}

// --- registry and directory helpers ---

func (b *Broker) allDevices() []*Device {
	devices := make([]*Device, 0, len(b.devices))
	for _, device := range b.devices {
		devices = append(devices, device)
	}
	return devices
}

// orderedDevices returns the directory in listing order, optionally filtered
// by device id.
func (b *Broker) orderedDevices(filterID string) []*Device {
	devices := b.allDevices()
	if filterID != "" {
		filtered := devices[:0]
		for _, device := range devices {
			if device.DeviceID == filterID {
				filtered = append(filtered, device)
			}
		}
		devices = filtered
	}
	return orderDevices(devices)
}

func (b *Broker) deviceByNr(nr int) *Device {
	for _, device := range b.devices {
		if device.DeviceNr == nr {
			return device
		}
	}
	return nil
}

func (b *Broker) touchDevices() {
	now := timeStamp()
	if now > b.lastModified {
		b.lastModified = now
	}
}

func (b *Broker) devicesPkg() *DevicesPkg {
	return &DevicesPkg{
		TimeStamp: b.lastModified,
		Devices:   b.orderedDevices(""),
	}
}

func (b *Broker) allDataPkg(deviceID string) *AllDataPkg {
	bucket, _ := b.store.GetAll(deviceID)
	return &AllDataPkg{
		DeviceID:  deviceID,
		Type:      DataTypeAllData,
		TimeStamp: timeStamp(),
		DeviceNr:  -999,
		AllData:   bucket,
	}
}

func (b *Broker) broadcastDevices() {
	b.emitToAll(EventDevices, b.devicesPkg())
}

func (b *Broker) joinRoom(id ConnID, room string) error {
	if _, tracked := b.conns[id]; !tracked {
		return fmt.Errorf("unknown connection: %s", id)
	}
	b.rooms.join(id, room)
	return nil
}

func (b *Broker) leaveRoom(id ConnID, room string) error {
	if _, tracked := b.conns[id]; !tracked {
		return fmt.Errorf("unknown connection: %s", id)
	}
	b.rooms.leave(id, room)
	return nil
}

// --- delivery primitives ---

func (b *Broker) emit(conn Conn, event string, payload any) {
	if err := conn.Send(event, payload); err != nil {
		b.logger.Warn().
			Str("conn_id", string(conn.ID())).
			Str("event", event).
			Err(err).
			Msg("Failed to send event")
	}
}

func (b *Broker) emitToConn(id ConnID, event string, payload any) {
	if conn, ok := b.conns[id]; ok {
		b.emit(conn, event, payload)
	}
}

func (b *Broker) emitToRoom(room string, event string, payload any) {
	for _, id := range b.rooms.membersOf(room) {
		b.emitToConn(id, event, payload)
	}
}

func (b *Broker) emitToRoomExcept(room string, except ConnID, event string, payload any) {
	for _, id := range b.rooms.membersOf(room) {
		if id == except {
			continue
		}
		b.emitToConn(id, event, payload)
	}
}

func (b *Broker) emitToAll(event string, payload any) {
	for _, conn := range b.conns {
		b.emit(conn, event, payload)
	}
}

// decode unmarshals an event payload; a malformed payload is a logged no-op
func (b *Broker) decode(conn Conn, event string, data json.RawMessage, into any) bool {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, into); err != nil {
		b.logger.Warn().
			Str("conn_id", string(conn.ID())).
			Str("event", event).
			Err(err).
			Msg("Malformed event payload")
		return false
	}
	return true
}

// --- introspection (used by the gateway health endpoint and tests) ---

// Stats is a point-in-time summary of broker state
type Stats struct {
	Connections  int `json:"connections"`
	Devices      int `json:"devices"`
	Rooms        int `json:"rooms"`
	QueuedPrompt int `json:"queued_interactions"`
}

// GetStats returns a snapshot of broker counters
func (b *Broker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Connections:  len(b.conns),
		Devices:      len(b.devices),
		Rooms:        len(b.rooms.members),
		QueuedPrompt: b.queue.Len(),
	}
}

// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type sentEvent struct {
	event   string
	payload any
}

// fakeConn implements Conn in memory and records everything sent to it
type fakeConn struct {
	id          ConnID
	events      []sentEvent
	fail        bool
	panicOnSend bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: ConnID(id)}
}

func (c *fakeConn) ID() ConnID {
	return c.id
}

func (c *fakeConn) Send(event string, payload any) error {
	if c.panicOnSend {
		panic("send exploded")
	}
	if c.fail {
		return errors.New("send failed")
	}
	c.events = append(c.events, sentEvent{event: event, payload: payload})
	return nil
}

func (c *fakeConn) byName(event string) []sentEvent {
	var matched []sentEvent
	for _, sent := range c.events {
		if sent.event == event {
			matched = append(matched, sent)
		}
	}
	return matched
}

func (c *fakeConn) reset() {
	c.events = nil
}

func dispatch(t *testing.T, b *Broker, conn Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal %s payload: %v", event, err)
	}
	b.Dispatch(conn, event, data)
}

// register connects the conn and announces it under the device id, returning
// the device record pushed back to it.
func register(t *testing.T, b *Broker, conn *fakeConn, deviceID string, isClient bool) *Device {
	t.Helper()
	b.Connect(conn)
	dispatch(t, b, conn, EventNewDevice, NewDevicePkg{DeviceID: deviceID, IsClient: isClient})

	sent := conn.byName(EventDevice)
	if len(sent) == 0 {
		t.Fatalf("Expected a device event for %s", deviceID)
	}
	device, ok := sent[len(sent)-1].payload.(*Device)
	if !ok {
		t.Fatalf("Expected *Device payload, got %T", sent[len(sent)-1].payload)
	}
	return device
}

func dataPayload(overrides string) json.RawMessage {
	return json.RawMessage(overrides)
}

func TestDeviceRegistration(t *testing.T) {
	t.Run("ClientNumbersCountUp", func(t *testing.T) {
		b := New(0, 0)

		first := register(t, b, newFakeConn("c1"), "frontend", true)
		second := register(t, b, newFakeConn("c2"), "frontend", true)

		if first.DeviceNr != 0 {
			t.Errorf("Expected first client nr 0, got %d", first.DeviceNr)
		}
		if second.DeviceNr != 1 {
			t.Errorf("Expected second client nr 1, got %d", second.DeviceNr)
		}
	})

	t.Run("ScriptNumbersCountDown", func(t *testing.T) {
		b := New(0, 0)

		first := register(t, b, newFakeConn("s1"), "bot", false)
		second := register(t, b, newFakeConn("s2"), "bot", false)

		if first.DeviceNr != -1 {
			t.Errorf("Expected first script nr -1, got %d", first.DeviceNr)
		}
		if second.DeviceNr != -2 {
			t.Errorf("Expected second script nr -2, got %d", second.DeviceNr)
		}
	})

	t.Run("FreedNumberIsReused", func(t *testing.T) {
		b := New(0, 0)

		conn1 := newFakeConn("c1")
		register(t, b, conn1, "frontend", true)
		register(t, b, newFakeConn("c2"), "frontend", true)

		b.Disconnect(conn1.ID())

		replacement := register(t, b, newFakeConn("c3"), "frontend", true)
		if replacement.DeviceNr != 0 {
			t.Errorf("Expected freed nr 0 to be reused, got %d", replacement.DeviceNr)
		}
	})

	t.Run("DirectoryOrder", func(t *testing.T) {
		b := New(0, 0)

		register(t, b, newFakeConn("s1"), "bot", false)   // -1
		register(t, b, newFakeConn("c1"), "front", true)  // 0
		register(t, b, newFakeConn("s2"), "bot", false)   // -2
		register(t, b, newFakeConn("c2"), "front", true)  // 1

		observer := newFakeConn("obs")
		b.Connect(observer)

		pushed := observer.byName(EventDevices)
		if len(pushed) != 1 {
			t.Fatalf("Expected one devices push on connect, got %d", len(pushed))
		}
		pkg := pushed[0].payload.(*DevicesPkg)

		got := make([]int, 0, len(pkg.Devices))
		for _, device := range pkg.Devices {
			got = append(got, device.DeviceNr)
		}
		want := []int{0, 1, -1, -2}
		if len(got) != len(want) {
			t.Fatalf("Expected %d devices, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Directory position %d: expected nr %d, got %d", i, want[i], got[i])
			}
		}
	})

	t.Run("ReRegisterKeepsOneRecordPerConn", func(t *testing.T) {
		b := New(0, 0)

		conn := newFakeConn("c1")
		register(t, b, conn, "frontend", true)
		dispatch(t, b, conn, EventNewDevice, NewDevicePkg{DeviceID: "renamed", IsClient: true})

		stats := b.GetStats()
		if stats.Devices != 1 {
			t.Errorf("Expected 1 device after re-registration, got %d", stats.Devices)
		}

		sent := conn.byName(EventDevice)
		device := sent[len(sent)-1].payload.(*Device)
		if device.DeviceID != "renamed" {
			t.Errorf("Expected device id 'renamed', got %s", device.DeviceID)
		}
	})

	t.Run("EmptyDeviceIDOnlyRefreshesDirectory", func(t *testing.T) {
		b := New(0, 0)

		conn := newFakeConn("c1")
		b.Connect(conn)
		conn.reset()
		dispatch(t, b, conn, EventNewDevice, NewDevicePkg{DeviceID: "", IsClient: true})

		if len(conn.byName(EventDevice)) != 0 {
			t.Error("Expected no device event for empty device id")
		}
		if len(conn.byName(EventDevices)) != 1 {
			t.Error("Expected a directory refresh")
		}
		if b.GetStats().Devices != 0 {
			t.Error("Expected no registered device")
		}
	})
}

func TestRoomMembership(t *testing.T) {
	t.Run("JoinIsIdempotent", func(t *testing.T) {
		b := New(0, 0)

		conn := newFakeConn("c1")
		register(t, b, conn, "frontend", true)
		conn.reset()

		dispatch(t, b, conn, EventJoinRoom, RoomPkg{Room: "shared"})
		dispatch(t, b, conn, EventJoinRoom, RoomPkg{Room: "shared"})

		if joined := conn.byName(EventRoomJoined); len(joined) != 1 {
			t.Errorf("Expected one room_joined, got %d", len(joined))
		}
	})

	t.Run("LeaveEchoesToRequester", func(t *testing.T) {
		b := New(0, 0)

		conn := newFakeConn("c1")
		other := newFakeConn("c2")
		register(t, b, conn, "frontend", true)
		register(t, b, other, "frontend", true)
		dispatch(t, b, conn, EventJoinRoom, RoomPkg{Room: "shared"})
		dispatch(t, b, other, EventJoinRoom, RoomPkg{Room: "shared"})
		conn.reset()
		other.reset()

		dispatch(t, b, conn, EventLeaveRoom, RoomPkg{Room: "shared"})

		if left := conn.byName(EventRoomLeft); len(left) != 1 {
			t.Errorf("Expected requester to see one room_left, got %d", len(left))
		}
		if left := other.byName(EventRoomLeft); len(left) != 1 {
			t.Errorf("Expected remaining member to see one room_left, got %d", len(left))
		}
	})

	t.Run("LeaveUnknownRoomIsNoop", func(t *testing.T) {
		b := New(0, 0)

		conn := newFakeConn("c1")
		register(t, b, conn, "frontend", true)
		conn.reset()

		dispatch(t, b, conn, EventLeaveRoom, RoomPkg{Room: "never-joined"})

		if len(conn.events) != 0 {
			t.Errorf("Expected no events, got %d", len(conn.events))
		}
	})

	t.Run("DisconnectNotifiesRooms", func(t *testing.T) {
		b := New(0, 0)

		leaving := newFakeConn("c1")
		staying := newFakeConn("c2")
		register(t, b, leaving, "frontend", true)
		register(t, b, staying, "frontend", true)
		staying.reset()

		b.Disconnect(leaving.ID())

		if left := staying.byName(EventRoomLeft); len(left) != 1 {
			t.Errorf("Expected one room_left on disconnect, got %d", len(left))
		}
		if pushed := staying.byName(EventDevices); len(pushed) != 1 {
			t.Errorf("Expected a directory refresh on disconnect, got %d", len(pushed))
		}
	})
}

func TestDataRouting(t *testing.T) {
	// Standard cast: a client on "frontend", a script on "bot" and a script
	// observing via the global listener room.
	setup := func(t *testing.T) (*Broker, *fakeConn, *fakeConn, *fakeConn) {
		t.Helper()
		b := New(0, 0)
		client := newFakeConn("client")
		script := newFakeConn("script")
		watcher := newFakeConn("watcher")
		register(t, b, client, "frontend", true)
		register(t, b, script, "bot", false)
		register(t, b, watcher, "watch", false)
		dispatch(t, b, watcher, EventJoinRoom, RoomPkg{Room: GlobalListenerRoom})
		client.reset()
		script.reset()
		watcher.reset()
		return b, client, script, watcher
	}

	t.Run("RoomDelivery", func(t *testing.T) {
		b, client, script, watcher := setup(t)

		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"frontend","type":"key","key":"up"}`))

		if got := client.byName(EventNewData); len(got) != 1 {
			t.Fatalf("Expected room member to receive 1 message, got %d", len(got))
		}
		if got := watcher.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected global listener to receive 1 message, got %d", len(got))
		}
		if got := script.byName(EventNewData); len(got) != 0 {
			t.Errorf("Expected sender to receive nothing, got %d", len(got))
		}

		msg := client.byName(EventNewData)[0].payload.(*DataMsg)
		if msg.Type != "key" {
			t.Errorf("Expected type 'key', got %s", msg.Type)
		}
		if string(msg.Extra["key"]) != `"up"` {
			t.Errorf("Expected passthrough key field, got %s", msg.Extra["key"])
		}
	})

	t.Run("BroadcastReachesEveryConnection", func(t *testing.T) {
		b, client, script, watcher := setup(t)

		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"frontend","broadcast":true}`))

		for name, conn := range map[string]*fakeConn{"client": client, "script": script, "watcher": watcher} {
			if got := conn.byName(EventNewData); len(got) != 1 {
				t.Errorf("Expected %s to receive 1 broadcast, got %d", name, len(got))
			}
		}
	})

	t.Run("UnicastOverridesRoom", func(t *testing.T) {
		b, client, script, watcher := setup(t)

		// Client has nr 0; the message claims broadcast but unicast wins
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"bot","unicast_to":0,"broadcast":true}`))

		if got := client.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected unicast target to receive 1 message, got %d", len(got))
		}
		if got := watcher.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected global listener to receive the unicast copy, got %d", len(got))
		}
		if got := script.byName(EventNewData); len(got) != 0 {
			t.Errorf("Expected sender to receive nothing, got %d", len(got))
		}

		msg := client.byName(EventNewData)[0].payload.(*DataMsg)
		if msg.Broadcast {
			t.Error("Expected broadcast flag cleared on resolved unicast")
		}
		// Retargeting is routing-only; the wire message keeps the sender's id
		if msg.DeviceID != "bot" {
			t.Errorf("Expected sender's device id preserved, got %s", msg.DeviceID)
		}
	})

	t.Run("UnresolvableUnicastFallsBackToRoom", func(t *testing.T) {
		b, client, _, watcher := setup(t)

		b.Dispatch(client, EventNewData, dataPayload(`{"device_id":"frontend","unicast_to":42}`))

		// Falls back to the room target; client is a member of "frontend"
		if got := client.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected room fallback delivery, got %d", len(got))
		}
		if got := watcher.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected global listener copy, got %d", len(got))
		}
	})

	t.Run("CallerIDRepliesDirectly", func(t *testing.T) {
		b, client, script, watcher := setup(t)

		b.Dispatch(client, EventNewData, dataPayload(`{"device_id":"frontend","caller_id":"script","type":"reply"}`))

		if got := script.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected caller to receive the reply, got %d", len(got))
		}
		if got := watcher.byName(EventNewData); len(got) != 0 {
			t.Errorf("Expected no global listener copy for direct replies, got %d", len(got))
		}
	})

	t.Run("DeviceNrResolvesSender", func(t *testing.T) {
		b, client, script, watcher := setup(t)
		_ = client

		// Script "bot" has nr -1; no device_id on the wire
		b.Dispatch(script, EventNewData, dataPayload(`{"device_nr":-1,"type":"status"}`))

		// Routed to room "bot"; the script is its only member
		if got := script.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected sender's room delivery, got %d", len(got))
		}
		if got := watcher.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected global listener copy, got %d", len(got))
		}
	})

	t.Run("UnaddressedMessageIsDropped", func(t *testing.T) {
		b, client, script, watcher := setup(t)

		b.Dispatch(script, EventNewData, dataPayload(`{"type":"noise"}`))

		for name, conn := range map[string]*fakeConn{"client": client, "script": script, "watcher": watcher} {
			if got := conn.byName(EventNewData); len(got) != 0 {
				t.Errorf("Expected %s to receive nothing, got %d", name, len(got))
			}
		}
		if b.store.Len("frontend") != 0 {
			t.Error("Expected nothing stored for an unaddressed message")
		}
	})

	t.Run("DeliverToRedirects", func(t *testing.T) {
		b, client, script, watcher := setup(t)
		_ = watcher

		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"bot","deliver_to":"frontend"}`))

		if got := client.byName(EventNewData); len(got) != 1 {
			t.Fatalf("Expected redirected delivery to frontend, got %d", len(got))
		}
		msg := client.byName(EventNewData)[0].payload.(*DataMsg)
		if !msg.CrossOrigin {
			t.Error("Expected cross_origin flag on redirected message")
		}
		if b.store.Len("frontend") != 1 {
			t.Error("Expected the redirect target's log to hold the message")
		}
	})

	t.Run("StopPropagationSuppressesDelivery", func(t *testing.T) {
		b, client, script, _ := setup(t)
		_ = script

		b.Dispatch(client, EventNewData, dataPayload(`{"device_id":"frontend","stop_propagation":true}`))

		if got := client.byName(EventNewData); len(got) != 0 {
			t.Errorf("Expected no delivery, got %d", len(got))
		}
		if b.store.Len("frontend") != 1 {
			t.Error("Expected the message recorded despite suppressed delivery")
		}
	})

	t.Run("SequenceDeduplication", func(t *testing.T) {
		b, client, script, _ := setup(t)

		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"frontend","sequence_id":"seq-1"}`))
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"frontend","sequence_id":"seq-1"}`))
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"frontend","sequence_id":"seq-2"}`))

		if got := client.byName(EventNewData); len(got) != 2 {
			t.Errorf("Expected repeated sequence suppressed, got %d deliveries", len(got))
		}
	})

	t.Run("MissingTypeDefaultsToUnknown", func(t *testing.T) {
		b, client, script, _ := setup(t)
		_ = script

		b.Dispatch(client, EventNewData, dataPayload(`{"device_id":"frontend"}`))

		msg := client.byName(EventNewData)[0].payload.(*DataMsg)
		if msg.Type != DataTypeUnknown {
			t.Errorf("Expected type %q, got %q", DataTypeUnknown, msg.Type)
		}
	})
}

func TestEventLog(t *testing.T) {
	t.Run("BoundedFIFO", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)

		for i := 1; i <= Threshold+1; i++ {
			payload := fmt.Sprintf(`{"device_id":"frontend","time_stamp":%d,"type":"tick"}`, i)
			b.Dispatch(script, EventNewData, dataPayload(payload))
		}

		if got := b.store.Len("frontend"); got != Threshold {
			t.Fatalf("Expected %d retained entries, got %d", Threshold, got)
		}
		bucket, _ := b.store.GetAll("frontend")
		if bucket[0].TimeStamp != 2 {
			t.Errorf("Expected oldest entry evicted, first time_stamp is %v", bucket[0].TimeStamp)
		}
		if bucket[len(bucket)-1].TimeStamp != float64(Threshold+1) {
			t.Errorf("Expected newest entry retained, last time_stamp is %v", bucket[len(bucket)-1].TimeStamp)
		}
	})

	t.Run("GetAllData", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"bot","type":"tick"}`))
		script.reset()

		dispatch(t, b, script, EventGetAllData, DeviceIDPkg{DeviceID: "bot"})

		sent := script.byName(EventAllData)
		if len(sent) != 1 {
			t.Fatalf("Expected one all_data reply, got %d", len(sent))
		}
		pkg := sent[0].payload.(*AllDataPkg)
		if pkg.DeviceNr != -999 {
			t.Errorf("Expected pseudo device nr -999, got %d", pkg.DeviceNr)
		}
		if len(pkg.AllData) != 1 {
			t.Errorf("Expected 1 logged entry, got %d", len(pkg.AllData))
		}
	})

	t.Run("GetAllDataUnknownDeviceIsNoop", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		script.reset()

		dispatch(t, b, script, EventGetAllData, DeviceIDPkg{DeviceID: "ghost"})

		if len(script.events) != 0 {
			t.Errorf("Expected no reply for unknown device id, got %d events", len(script.events))
		}
	})

	t.Run("ClearDataNotifiesEveryone", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		other := newFakeConn("other")
		register(t, b, script, "bot", false)
		register(t, b, other, "aux", false)
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"bot","type":"tick"}`))
		script.reset()
		other.reset()

		dispatch(t, b, script, EventClearData, DeviceIDPkg{DeviceID: "bot"})

		if b.store.Len("bot") != 0 {
			t.Error("Expected bucket emptied")
		}
		for name, conn := range map[string]*fakeConn{"script": script, "other": other} {
			sent := conn.byName(EventAllData)
			if len(sent) != 1 {
				t.Errorf("Expected %s to be notified once, got %d", name, len(sent))
				continue
			}
			if pkg := sent[0].payload.(*AllDataPkg); len(pkg.AllData) != 0 {
				t.Errorf("Expected empty log pushed to %s, got %d entries", name, len(pkg.AllData))
			}
		}
	})

	t.Run("RemoveAllKeepsCallersLog", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		other := newFakeConn("other")
		register(t, b, script, "bot", false)
		register(t, b, other, "aux", false)
		b.Dispatch(script, EventNewData, dataPayload(`{"device_id":"bot","type":"tick"}`))
		b.Dispatch(other, EventNewData, dataPayload(`{"device_id":"aux","type":"tick"}`))
		script.reset()

		b.Dispatch(script, EventRemoveAll, nil)

		if !b.store.Has("bot") {
			t.Error("Expected caller's bucket preserved")
		}
		if b.store.Has("aux") {
			t.Error("Expected other buckets wiped")
		}
		if len(script.byName(EventDataStore)) != 1 {
			t.Error("Expected a data_store push after remove_all")
		}
	})
}

func TestInteractionQueueReplay(t *testing.T) {
	t.Run("PromptHeldForOfflineClient", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)

		b.Dispatch(script, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"input_prompt","time_stamp":10,"question":"name?"}`))

		if b.queue.Len() != 1 {
			t.Fatalf("Expected 1 queued prompt, got %d", b.queue.Len())
		}

		client := newFakeConn("client")
		register(t, b, client, "frontend", true)

		replayed := client.byName(EventNewData)
		if len(replayed) != 1 {
			t.Fatalf("Expected 1 replayed prompt, got %d", len(replayed))
		}
		msg := replayed[0].payload.(*DataMsg)
		if msg.Type != DataTypeInputPrompt {
			t.Errorf("Expected replayed input_prompt, got %s", msg.Type)
		}
		if msg.ResponseID != "script" {
			t.Errorf("Expected response_id stamped with requester conn, got %s", msg.ResponseID)
		}
	})

	t.Run("ReplayHappensAtMostOnce", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		b.Dispatch(script, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"input_prompt","time_stamp":10}`))

		first := newFakeConn("client1")
		register(t, b, first, "frontend", true)
		if got := first.byName(EventNewData); len(got) != 1 {
			t.Fatalf("Expected first registration to replay, got %d", len(got))
		}

		second := newFakeConn("client2")
		register(t, b, second, "frontend", true)
		if got := second.byName(EventNewData); len(got) != 0 {
			t.Errorf("Expected no second replay, got %d", len(got))
		}

		// Still queued: only a response removes it
		if b.queue.Len() != 1 {
			t.Errorf("Expected prompt to stay queued after replay, got %d", b.queue.Len())
		}
	})

	t.Run("ResponseResolvesPromptAndLog", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		client := newFakeConn("client")
		register(t, b, script, "bot", false)
		register(t, b, client, "frontend", true)

		b.Dispatch(script, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"input_prompt","time_stamp":10}`))
		if b.store.Len("frontend") != 1 {
			t.Fatal("Expected prompt recorded in the log")
		}
		script.reset()
		client.reset()

		b.Dispatch(client, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"input_response","time_stamp":10,"caller_id":"script","response":"Ada"}`))

		if b.queue.Len() != 0 {
			t.Errorf("Expected queue resolved, got %d entries", b.queue.Len())
		}
		if b.store.Len("frontend") != 0 {
			t.Errorf("Expected prompt removed from log, got %d entries", b.store.Len("frontend"))
		}
		if got := script.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected requester to receive the response, got %d", len(got))
		}

		// Other clients in the room are told to dismiss their input UI
		cancels := 0
		for _, sent := range client.byName(EventNewData) {
			if msg, ok := sent.payload.(*DataMsg); ok && msg.Type == DataTypeCancelUserInput {
				cancels++
			}
		}
		if cancels != 1 {
			t.Errorf("Expected one cancel_user_input in the room, got %d", cancels)
		}
	})

	t.Run("AlertWithConfirmationIsQueued", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)

		b.Dispatch(script, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"notification","alert":true,"time_stamp":5}`))
		b.Dispatch(script, EventNewData, dataPayload(
			`{"device_id":"frontend","type":"notification","time_stamp":6}`))

		if b.queue.Len() != 1 {
			t.Errorf("Expected only the alert notification queued, got %d", b.queue.Len())
		}
	})
}

func TestSetDeviceNr(t *testing.T) {
	t.Run("ReassignByCurrentNr", func(t *testing.T) {
		b := New(0, 0)
		client := newFakeConn("client")
		script := newFakeConn("script")
		register(t, b, client, "frontend", true)
		register(t, b, script, "bot", false)
		client.reset()
		script.reset()

		current := 0
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &current, NewDeviceNr: 5})

		sent := client.byName(EventDevice)
		if len(sent) != 1 {
			t.Fatalf("Expected reassigned device pushed to its conn, got %d", len(sent))
		}
		if device := sent[0].payload.(*Device); device.DeviceNr != 5 {
			t.Errorf("Expected nr 5, got %d", device.DeviceNr)
		}

		info := script.byName(EventInformationMsg)
		if len(info) != 1 || info[0].payload.(*InformationPkg).Message != "Success" {
			t.Error("Expected a Success information_msg for the requester")
		}

		// Freed number is available again
		next := register(t, b, newFakeConn("client2"), "frontend", true)
		if next.DeviceNr != 0 {
			t.Errorf("Expected freed nr 0 reused, got %d", next.DeviceNr)
		}
	})

	t.Run("DisplacedDeviceIsRenumbered", func(t *testing.T) {
		b := New(0, 0)
		first := newFakeConn("c1")
		second := newFakeConn("c2")
		script := newFakeConn("script")
		register(t, b, first, "frontend", true)  // 0
		register(t, b, second, "frontend", true) // 1
		register(t, b, script, "bot", false)
		first.reset()
		second.reset()

		current := 1
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &current, NewDeviceNr: 0})

		moved := second.byName(EventDevice)
		if len(moved) != 1 || moved[0].payload.(*Device).DeviceNr != 0 {
			t.Error("Expected target moved to nr 0")
		}
		displaced := first.byName(EventDevice)
		if len(displaced) != 1 {
			t.Fatal("Expected displaced device notified")
		}
		if nr := displaced[0].payload.(*Device).DeviceNr; nr != 1 {
			t.Errorf("Expected displaced client renumbered to 1, got %d", nr)
		}
	})

	t.Run("ReassignByDeviceIDPicksFirstListed", func(t *testing.T) {
		b := New(0, 0)
		first := newFakeConn("c1")
		second := newFakeConn("c2")
		register(t, b, first, "frontend", true)  // 0
		register(t, b, second, "frontend", true) // 1
		first.reset()

		dispatch(t, b, second, EventSetNewDeviceNr, SetDeviceNrPkg{DeviceID: "frontend", NewDeviceNr: 7})

		sent := first.byName(EventDevice)
		if len(sent) != 1 || sent[0].payload.(*Device).DeviceNr != 7 {
			t.Error("Expected the lowest-numbered match reassigned")
		}
	})

	t.Run("MissingSelectorFails", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		script.reset()

		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{NewDeviceNr: 3})

		info := script.byName(EventInformationMsg)
		if len(info) != 1 {
			t.Fatalf("Expected one information_msg, got %d", len(info))
		}
		pkg := info[0].payload.(*InformationPkg)
		if pkg.Message != "Error" || pkg.ShouldRetry {
			t.Errorf("Expected non-retryable Error, got %+v", pkg)
		}
	})

	t.Run("UnknownDeviceFails", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		script.reset()

		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{DeviceID: "ghost", NewDeviceNr: 3})

		info := script.byName(EventInformationMsg)
		if len(info) != 1 || info[0].payload.(*InformationPkg).Cause != "no device found" {
			t.Error("Expected a 'no device found' error")
		}
	})

	t.Run("ConcurrentReassignmentIsRejected", func(t *testing.T) {
		b := New(0, 0)
		script := newFakeConn("script")
		register(t, b, script, "bot", false)
		script.reset()

		// Simulate a reassignment in flight
		b.reassignGuard.Lock()
		current := -1
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &current, NewDeviceNr: -5})
		b.reassignGuard.Unlock()

		info := script.byName(EventInformationMsg)
		if len(info) != 1 {
			t.Fatalf("Expected one information_msg, got %d", len(info))
		}
		pkg := info[0].payload.(*InformationPkg)
		if !pkg.ShouldRetry {
			t.Error("Expected should_retry on a rejected concurrent reassignment")
		}

		// Device number must be untouched
		if b.deviceByNr(-5) != nil {
			t.Error("Expected no reassignment to have happened")
		}

		// And a retry succeeds once the guard is free
		script.reset()
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &current, NewDeviceNr: -5})
		info = script.byName(EventInformationMsg)
		if len(info) != 1 || info[0].payload.(*InformationPkg).Message != "Success" {
			t.Error("Expected the retry to succeed")
		}
	})

	t.Run("FailureMidReassignmentIsReported", func(t *testing.T) {
		b := New(0, 0)
		client := newFakeConn("client")
		script := newFakeConn("script")
		register(t, b, client, "frontend", true)
		register(t, b, script, "bot", false)
		client.panicOnSend = true
		script.reset()

		// The device push to the reassigned client blows up mid-handler
		current := 0
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &current, NewDeviceNr: 5})

		info := script.byName(EventInformationMsg)
		if len(info) != 1 {
			t.Fatalf("Expected one information_msg, got %d", len(info))
		}
		pkg := info[0].payload.(*InformationPkg)
		if pkg.Message != "Error" || pkg.Cause == "" {
			t.Errorf("Expected an Error with a cause, got %+v", pkg)
		}

		// The guard must be released again: a later reassignment succeeds
		client.panicOnSend = false
		script.reset()
		moved := 5
		dispatch(t, b, script, EventSetNewDeviceNr, SetDeviceNrPkg{CurrentDeviceNr: &moved, NewDeviceNr: 2})
		info = script.byName(EventInformationMsg)
		if len(info) != 1 || info[0].payload.(*InformationPkg).Message != "Success" {
			t.Error("Expected reassignment to work after the failure")
		}
	})
}

func TestDispatchRobustness(t *testing.T) {
	t.Run("UnknownEventIsIgnored", func(t *testing.T) {
		b := New(0, 0)
		conn := newFakeConn("c1")
		b.Connect(conn)
		conn.reset()

		b.Dispatch(conn, "no_such_event", nil)

		if len(conn.events) != 0 {
			t.Errorf("Expected no reaction, got %d events", len(conn.events))
		}
	})

	t.Run("MalformedPayloadIsDropped", func(t *testing.T) {
		b := New(0, 0)
		conn := newFakeConn("c1")
		b.Connect(conn)
		conn.reset()

		b.Dispatch(conn, EventNewDevice, json.RawMessage(`{"device_id":42}`))

		if len(conn.events) != 0 {
			t.Errorf("Expected malformed payload dropped, got %d events", len(conn.events))
		}
		if b.GetStats().Devices != 0 {
			t.Error("Expected no device registered")
		}
	})

	t.Run("FailingConnDoesNotAbortDelivery", func(t *testing.T) {
		b := New(0, 0)
		broken := newFakeConn("broken")
		broken.fail = true
		healthy := newFakeConn("healthy")
		b.Connect(broken)
		register(t, b, healthy, "frontend", true)

		b.Dispatch(healthy, EventNewData, dataPayload(`{"device_id":"frontend","broadcast":true}`))

		if got := healthy.byName(EventNewData); len(got) != 1 {
			t.Errorf("Expected healthy conn to still receive the broadcast, got %d", len(got))
		}
	})
}

func TestGetStats(t *testing.T) {
	b := New(0, 0)
	client := newFakeConn("client")
	script := newFakeConn("script")
	register(t, b, client, "frontend", true)
	register(t, b, script, "bot", false)
	b.Dispatch(script, EventNewData, dataPayload(
		`{"device_id":"frontend","type":"input_prompt","time_stamp":1}`))

	stats := b.GetStats()
	if stats.Connections != 2 {
		t.Errorf("Expected 2 connections, got %d", stats.Connections)
	}
	if stats.Devices != 2 {
		t.Errorf("Expected 2 devices, got %d", stats.Devices)
	}
	if stats.QueuedPrompt != 1 {
		t.Errorf("Expected 1 queued interaction, got %d", stats.QueuedPrompt)
	}
}

func BenchmarkRoomDelivery(b *testing.B) {
	br := New(0, 0)
	client := &fakeConn{id: "client"}
	script := &fakeConn{id: "script"}
	br.Connect(client)
	br.Connect(script)
	br.Dispatch(client, EventNewDevice, json.RawMessage(`{"device_id":"frontend","is_client":true}`))
	br.Dispatch(script, EventNewDevice, json.RawMessage(`{"device_id":"bot","is_client":false}`))
	payload := json.RawMessage(`{"device_id":"frontend","type":"key","key":"up"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		client.events = client.events[:0]
		br.Dispatch(script, EventNewData, payload)
	}
}

func BenchmarkDirectoryBroadcast(b *testing.B) {
	br := New(0, 0)
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = &fakeConn{id: ConnID(fmt.Sprintf("conn-%d", i))}
		br.Connect(conns[i])
		br.Dispatch(conns[i], EventNewDevice,
			json.RawMessage(fmt.Sprintf(`{"device_id":"device-%d","is_client":%t}`, i, i%2 == 0)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, conn := range conns {
			conn.events = conn.events[:0]
		}
		br.Dispatch(conns[0], EventGetDevices, nil)
	}
}

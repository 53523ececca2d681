package broker

import "sort"

// Device is a registered participant bound to one live connection. Clients
// are interactive (browser) participants, everything else is a script.
type Device struct {
	DeviceID string `json:"device_id"`
	DeviceNr int    `json:"device_nr"`
	IsClient bool   `json:"is_client"`
	ConnID   ConnID `json:"conn_id"`
}

// orderDevices returns devices in directory order: clients first ascending by
// number, then scripts descending by number (least negative first).
func orderDevices(devices []*Device) []*Device {
	clients := make([]*Device, 0, len(devices))
	scripts := make([]*Device, 0, len(devices))
	for _, device := range devices {
		if device.IsClient {
			clients = append(clients, device)
		} else {
			scripts = append(scripts, device)
		}
	}

	sort.SliceStable(clients, func(i, j int) bool {
		return clients[i].DeviceNr < clients[j].DeviceNr
	})
	sort.SliceStable(scripts, func(i, j int) bool {
		return scripts[i].DeviceNr > scripts[j].DeviceNr
	})

	return append(clients, scripts...)
}

// nextFreeNr computes the number for a newly registering device. Clients get
// the smallest unused non-negative integer, scripts the unused negative
// integer closest to zero. The two spaces never collide.
func nextFreeNr(devices []*Device, isClient bool) int {
	assigned := make(map[int]struct{}, len(devices))
	for _, device := range devices {
		assigned[device.DeviceNr] = struct{}{}
	}

	if isClient {
		nr := 0
		for {
			if _, taken := assigned[nr]; !taken {
				return nr
			}
			nr++
		}
	}

	nr := -1
	for {
		if _, taken := assigned[nr]; !taken {
			return nr
		}
		nr--
	}
}

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

package monitor

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"beacon/internal/broker"
)

const eventTailSize = 20

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	clientStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	scriptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Messages fed into the bubbletea loop
type serverEventMsg Event
type connLostMsg struct{ err error }

// model renders the live device directory plus a tail of routed events
type model struct {
	client   *Client
	devices  []*broker.Device
	tail     []string
	width    int
	height   int
	err      error
	quitting bool
}

func newModel(client *Client) model {
	return model{client: client}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.client), waitForError(m.client))
}

func waitForEvent(client *Client) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-client.Events()
		if !ok {
			return nil
		}
		return serverEventMsg(event)
	}
}

func waitForError(client *Client) tea.Cmd {
	return func() tea.Msg {
		return connLostMsg{err: <-client.Errs()}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.client.Close()
			return m, tea.Quit
		case "r":
			m.client.RequestDevices()
			return m, nil
		}

	case serverEventMsg:
		m.apply(Event(msg))
		return m, waitForEvent(m.client)

	case connLostMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// apply folds one server push into the model
func (m *model) apply(event Event) {
	switch event.Name {
	case broker.EventDevices:
		var pkg broker.DevicesPkg
		if err := json.Unmarshal(event.Data, &pkg); err == nil {
			m.devices = pkg.Devices
		}
	case broker.EventNewData:
		var data broker.DataMsg
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return
		}
		m.pushTail(fmt.Sprintf("%-18s nr=%-4d type=%s", data.DeviceID, data.DeviceNr, data.Type))
	case broker.EventRoomJoined, broker.EventRoomLeft:
		var pkg broker.RoomDevicePkg
		if err := json.Unmarshal(event.Data, &pkg); err != nil {
			return
		}
		deviceID := "?"
		if pkg.Device != nil {
			deviceID = pkg.Device.DeviceID
		}
		m.pushTail(fmt.Sprintf("%-18s %s '%s'", deviceID, event.Name, pkg.Room))
	}
}

func (m *model) pushTail(line string) {
	m.tail = append(m.tail, line)
	if len(m.tail) > eventTailSize {
		m.tail = m.tail[len(m.tail)-eventTailSize:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var view string
	view += titleStyle.Render("beacon monitor") + "  " +
		faintStyle.Render(m.client.DeviceID()) + "\n\n"

	if m.err != nil {
		view += errorStyle.Render(fmt.Sprintf("Connection lost: %v", m.err)) + "\n\n"
	}

	view += headerStyle.Render(fmt.Sprintf("Devices (%d)", len(m.devices))) + "\n"
	if len(m.devices) == 0 {
		view += faintStyle.Render("  none registered") + "\n"
	}
	for _, device := range m.devices {
		kind := scriptStyle.Render("script")
		if device.IsClient {
			kind = clientStyle.Render("client")
		}
		view += fmt.Sprintf("  %4d  %-24s %s\n", device.DeviceNr, device.DeviceID, kind)
	}

	view += "\n" + headerStyle.Render("Events") + "\n"
	if len(m.tail) == 0 {
		view += faintStyle.Render("  waiting for traffic...") + "\n"
	}
	for _, line := range m.tail {
		view += "  " + line + "\n"
	}

	view += "\n" + faintStyle.Render("r: refresh devices  q: quit") + "\n"
	return view
}

// StartTUI connects to the gateway and runs the monitor screen
func StartTUI(addr string) error {
	client, err := Dial(addr)
	if err != nil {
		return err
	}

	p := tea.NewProgram(newModel(client), tea.WithAltScreen())

	// Ensure proper cleanup on panic or interrupt
	defer func() {
		client.Close()
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err = p.Run()
	return err
}

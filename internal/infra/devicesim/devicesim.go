// Package devicesim implements domain.CommandChannel against a simulated
// device, standing in for the real bridge so the service runs end-to-end
// without hardware.
package devicesim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devicelab/internal/domain"
)

// Options tune the simulated device.
type Options struct {
	// Latency is added to every command round trip.
	Latency time.Duration
	// GpsFixAfter is how many gps.status polls precede a fix.
	GpsFixAfter int
	// BatteryVoltage is the reported cell voltage.
	BatteryVoltage float64
	// AudioPeak is the reported capture peak level (0-100).
	AudioPeak float64
	// Networks are the SSIDs visible to a scan.
	Networks []string
}

// DefaultOptions returns a healthy device.
func DefaultOptions() Options {
	return Options{
		Latency:        20 * time.Millisecond,
		GpsFixAfter:    2,
		BatteryVoltage: 3.9,
		AudioPeak:      72,
		Networks:       []string{"testnet", "guestnet"},
	}
}

type deviceState struct {
	pins       map[int]bool
	pinModes   map[int]string
	files      map[string]string // path -> token
	wifiJoined string
	gpsOn      bool
	gpsPolls   int
	recording  bool
}

// Simulator is a CommandChannel whose far end is an in-memory device model.
// One Simulator serves any number of device IDs; each gets its own state.
type Simulator struct {
	opts    Options
	logger  *slog.Logger
	mu      sync.Mutex
	devices map[string]*deviceState
	offline map[string]bool
}

// New creates a simulator with the given options.
func New(opts Options, logger *slog.Logger) *Simulator {
	return &Simulator{
		opts:    opts,
		logger:  logger.With("component", "device-sim"),
		devices: make(map[string]*deviceState),
		offline: make(map[string]bool),
	}
}

// SetOffline marks a device unreachable; subsequent Sends fail with
// domain.ErrDeviceUnavailable.
func (s *Simulator) SetOffline(deviceID string, off bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[deviceID] = off
}

// Online implements domain.CommandChannel.
func (s *Simulator) Online(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline[deviceID]
}

func (s *Simulator) state(deviceID string) *deviceState {
	st, ok := s.devices[deviceID]
	if !ok {
		st = &deviceState{
			pins:     make(map[int]bool),
			pinModes: make(map[int]string),
			files:    make(map[string]string),
		}
		s.devices[deviceID] = st
	}
	return st
}

// Send implements domain.CommandChannel.
func (s *Simulator) Send(ctx context.Context, deviceID, command string, payload map[string]any, timeout time.Duration) (*domain.Response, error) {
	if !s.Online(deviceID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, deviceID)
	}
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(deviceID)

	switch command {
	case "modem.at":
		cmd, _ := payload["command"].(string)
		return atResponse(cmd), nil

	case "gpio.mode":
		pin := asInt(payload["pin"])
		mode, _ := payload["mode"].(string)
		st.pinModes[pin] = mode
		return ok(nil), nil

	case "gpio.write":
		pin := asInt(payload["pin"])
		value, _ := payload["value"].(bool)
		st.pins[pin] = value
		return ok(nil), nil

	case "gpio.read":
		pin := asInt(payload["pin"])
		// Loopback wiring: an input pin reads the level last driven
		// anywhere when nothing drives it directly. Pin N reads pin
		// wired at N-2 per the bench harness convention.
		value, wired := st.pins[pin]
		if !wired {
			value = st.pins[pin-2]
		}
		return ok(map[string]any{"value": value}), nil

	case "led.set":
		pin := asInt(payload["pin"])
		state, _ := payload["state"].(bool)
		st.pins[pin] = state
		return ok(nil), nil

	case "audio.record":
		st.recording = true
		return ok(nil), nil

	case "audio.stop":
		st.recording = false
		return ok(nil), nil

	case "audio.level":
		return ok(map[string]any{"peak": s.opts.AudioPeak}), nil

	case "gps.power":
		on, _ := payload["on"].(bool)
		st.gpsOn = on
		if !on {
			st.gpsPolls = 0
		}
		return ok(nil), nil

	case "gps.status":
		if !st.gpsOn {
			return ok(map[string]any{"fix": false, "satellites": float64(0)}), nil
		}
		st.gpsPolls++
		if st.gpsPolls < s.opts.GpsFixAfter {
			return ok(map[string]any{"fix": false, "satellites": float64(1)}), nil
		}
		return ok(map[string]any{
			"fix":        true,
			"satellites": float64(6),
			"lat":        52.520008,
			"lon":        13.404954,
		}), nil

	case "fs.write":
		path, _ := payload["path"].(string)
		token, _ := payload["token"].(string)
		st.files[path] = token
		return ok(nil), nil

	case "fs.read":
		path, _ := payload["path"].(string)
		token, found := st.files[path]
		if !found {
			return &domain.Response{Success: false, Message: "no such file: " + path}, nil
		}
		return ok(map[string]any{"token": token}), nil

	case "fs.delete":
		path, _ := payload["path"].(string)
		delete(st.files, path)
		return ok(nil), nil

	case "wifi.scan":
		networks := make([]any, 0, len(s.opts.Networks))
		for _, n := range s.opts.Networks {
			networks = append(networks, n)
		}
		return ok(map[string]any{"networks": networks}), nil

	case "wifi.join":
		ssid, _ := payload["ssid"].(string)
		st.wifiJoined = ssid
		return ok(nil), nil

	case "wifi.status":
		if st.wifiJoined == "" {
			return ok(map[string]any{"connected": false}), nil
		}
		return ok(map[string]any{"connected": true, "ip": "192.168.4.17"}), nil

	case "wifi.disconnect":
		st.wifiJoined = ""
		return ok(nil), nil

	case "power.battery":
		return ok(map[string]any{"voltage": s.opts.BatteryVoltage}), nil
	}

	return &domain.Response{Success: false, Message: "unknown command: " + command}, nil
}

func ok(data map[string]any) *domain.Response {
	return &domain.Response{Success: true, Data: data}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// atResponse models the modem's AT command surface.
func atResponse(cmd string) *domain.Response {
	raw := func(s string) *domain.Response {
		return &domain.Response{Success: true, Data: map[string]any{"raw": s}}
	}
	switch {
	case cmd == "AT", cmd == "ATE0":
		return raw("OK")
	case cmd == "ATI":
		return raw("devicelab bench modem rev 2\r\nOK")
	case cmd == "AT+CSQ":
		return raw("+CSQ: 17,99\r\n\r\nOK")
	case cmd == "AT+CPIN?":
		return raw("+CPIN: READY\r\n\r\nOK")
	case cmd == "AT+CIMI":
		return raw("001010123456789\r\n\r\nOK")
	case cmd == "AT+CREG?":
		return raw("+CREG: 0,1\r\n\r\nOK")
	case cmd == "AT+COPS?":
		return raw("+COPS: 0,0,\"DeviceLab\",7\r\n\r\nOK")
	case strings.HasPrefix(cmd, "AT"):
		return raw("OK")
	}
	return raw("ERROR")
}

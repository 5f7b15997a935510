package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"devicelab/internal/domain"
)

// operationFunc implements one operation-mode test: configure, act, verify,
// best-effort cleanup. A nil error means the device behaved as expected.
type operationFunc func(ctx context.Context, op *opContext) (map[string]any, error)

// opContext bundles what an operation needs: the channel (via executor),
// the validated parameters and the progress sink.
type opContext struct {
	executor *Executor
	deviceID string
	def      *domain.TestDefinition
	params   map[string]any
	report   ProgressFunc
}

func (op *opContext) send(ctx context.Context, command string, payload map[string]any) (*domain.Response, error) {
	return op.executor.send(ctx, op.deviceID, command, payload, op.def.Timeout(op.executor.defaultTimeout))
}

// cleanup issues a best-effort command on a fresh context, so it still runs
// after a verification failure or a stop. Failures are logged, never
// allowed to mask the primary outcome.
func (op *opContext) cleanup(command string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), op.executor.defaultTimeout)
	defer cancel()
	if _, err := op.executor.send(ctx, op.deviceID, command, payload, op.executor.defaultTimeout); err != nil {
		op.executor.logger.Warn("cleanup command failed",
			"device_id", op.deviceID, "test_id", op.def.ID, "command", command, "error", err)
	}
}

func (op *opContext) num(name string) float64 {
	if f, ok := op.params[name].(float64); ok {
		return f
	}
	return 0
}

func (op *opContext) str(name string) string {
	if s, ok := op.params[name].(string); ok {
		return s
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func builtinOperations() map[string]operationFunc {
	return map[string]operationFunc{
		"led":          runLed,
		"gpioLoopback": runGpioLoopback,
		"microphone":   runMicrophone,
		"gps":          runGps,
		"sdcard":       runSdCard,
		"wifi":         runWifi,
		"battery":      runBattery,
	}
}

const ledCycles = 3

// runLed drives the status LED through the requested pattern and verifies
// the pin toggles.
func runLed(ctx context.Context, op *opContext) (map[string]any, error) {
	pin := int(op.num("pin"))
	duration := time.Duration(op.num("duration")) * time.Millisecond
	pattern := op.str("pattern")

	op.report(10, "Configuring LED pin")
	if _, err := op.send(ctx, "gpio.mode", map[string]any{"pin": pin, "mode": "output"}); err != nil {
		return nil, err
	}
	defer op.cleanup("led.set", map[string]any{"pin": pin, "state": false})

	for cycle := 0; cycle < ledCycles; cycle++ {
		op.report(20+cycle*25, fmt.Sprintf("Blink cycle %d/%d", cycle+1, ledCycles))
		if _, err := op.send(ctx, "led.set", map[string]any{"pin": pin, "state": true, "pattern": pattern}); err != nil {
			return nil, err
		}
		if err := sleep(ctx, duration/2); err != nil {
			return nil, err
		}
		if _, err := op.send(ctx, "led.set", map[string]any{"pin": pin, "state": false}); err != nil {
			return nil, err
		}
		if err := sleep(ctx, duration/2); err != nil {
			return nil, err
		}
	}

	op.report(90, "Verifying pin state")
	resp, err := op.send(ctx, "gpio.read", map[string]any{"pin": pin})
	if err != nil {
		return nil, err
	}
	details := map[string]any{
		"pin":      pin,
		"pattern":  pattern,
		"duration": int(op.num("duration")),
		"cycles":   ledCycles,
		"success":  true,
	}
	if on, ok := resp.Data["value"].(bool); ok && on {
		details["success"] = false
		return details, fmt.Errorf("LED pin %d still high after blink sequence", pin)
	}
	return details, nil
}

// runGpioLoopback writes each bit of the pattern on the output pin and
// reads it back on the input pin. All readbacks must match; a mismatch
// fails the test with the offending step flagged in the details.
func runGpioLoopback(ctx context.Context, op *opContext) (map[string]any, error) {
	outputPin := int(op.num("outputPin"))
	inputPin := int(op.num("inputPin"))
	pattern := op.str("testPattern")

	op.report(10, "Configuring loopback pins")
	if _, err := op.send(ctx, "gpio.mode", map[string]any{"pin": outputPin, "mode": "output"}); err != nil {
		return nil, err
	}
	if _, err := op.send(ctx, "gpio.mode", map[string]any{"pin": inputPin, "mode": "input"}); err != nil {
		return nil, err
	}
	defer op.cleanup("gpio.write", map[string]any{"pin": outputPin, "value": false})

	steps := make([]map[string]any, 0, len(pattern))
	mismatches := 0
	for i, bit := range pattern {
		wrote := bit == '1'
		op.report(20+i*70/len(pattern), fmt.Sprintf("Bit %d/%d", i+1, len(pattern)))

		if _, err := op.send(ctx, "gpio.write", map[string]any{"pin": outputPin, "value": wrote}); err != nil {
			return nil, err
		}
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		resp, err := op.send(ctx, "gpio.read", map[string]any{"pin": inputPin})
		if err != nil {
			return nil, err
		}
		read, _ := resp.Data["value"].(bool)
		match := read == wrote
		if !match {
			mismatches++
		}
		steps = append(steps, map[string]any{
			"bit":   i,
			"wrote": wrote,
			"read":  read,
			"match": match,
		})
	}

	details := map[string]any{
		"outputPin": outputPin,
		"inputPin":  inputPin,
		"pattern":   pattern,
		"steps":     steps,
		"success":   mismatches == 0,
	}
	if mismatches > 0 {
		return details, fmt.Errorf("loopback mismatch on %d of %d bits", mismatches, len(pattern))
	}
	return details, nil
}

// runMicrophone records a short sample and checks the measured peak level
// against the sensitivity-derived threshold.
func runMicrophone(ctx context.Context, op *opContext) (map[string]any, error) {
	duration := int(op.num("duration"))
	sensitivity := op.num("sensitivity")
	threshold := 100 - sensitivity

	op.report(10, "Starting capture")
	if _, err := op.send(ctx, "audio.record", map[string]any{"duration": duration}); err != nil {
		return nil, err
	}
	defer op.cleanup("audio.stop", nil)

	if err := sleep(ctx, time.Duration(duration)*time.Millisecond); err != nil {
		return nil, err
	}

	op.report(70, "Reading peak level")
	resp, err := op.send(ctx, "audio.level", nil)
	if err != nil {
		return nil, err
	}
	peak, ok := resp.Data["peak"].(float64)
	if !ok {
		return nil, fmt.Errorf("no peak level in response")
	}

	details := map[string]any{
		"peak":      peak,
		"threshold": threshold,
		"duration":  duration,
		"success":   peak >= threshold,
	}
	if peak < threshold {
		return details, fmt.Errorf("peak level %.1f below threshold %.1f", peak, threshold)
	}
	return details, nil
}

// runGps powers the receiver and polls for a position fix until the
// parameter deadline.
func runGps(ctx context.Context, op *opContext) (map[string]any, error) {
	fixTimeout := time.Duration(op.num("fixTimeout")) * time.Millisecond
	minSatellites := int(op.num("minSatellites"))

	op.report(5, "Powering GPS receiver")
	if _, err := op.send(ctx, "gps.power", map[string]any{"on": true}); err != nil {
		return nil, err
	}
	defer op.cleanup("gps.power", map[string]any{"on": false})

	deadline := time.Now().Add(fixTimeout)
	polls := 0
	for {
		if time.Now().After(deadline) {
			return map[string]any{"polls": polls, "success": false},
				fmt.Errorf("no GPS fix within %s", fixTimeout)
		}
		polls++
		elapsed := fixTimeout - time.Until(deadline)
		percent := 10 + int(float64(elapsed)/float64(fixTimeout)*80)
		op.report(percent, fmt.Sprintf("Waiting for fix (poll %d)", polls))

		resp, err := op.send(ctx, "gps.status", nil)
		if err != nil {
			return nil, err
		}
		fix, _ := resp.Data["fix"].(bool)
		sats := 0
		if f, ok := resp.Data["satellites"].(float64); ok {
			sats = int(f)
		}
		if fix && sats >= minSatellites {
			details := map[string]any{
				"satellites": sats,
				"polls":      polls,
				"success":    true,
			}
			if lat, ok := resp.Data["lat"]; ok {
				details["lat"] = lat
				details["lon"] = resp.Data["lon"]
			}
			return details, nil
		}
		if err := sleep(ctx, op.executor.pollInterval); err != nil {
			return nil, err
		}
	}
}

// runSdCard writes a test file, reads it back and verifies the content.
// The file is deleted even when verification fails.
func runSdCard(ctx context.Context, op *opContext) (map[string]any, error) {
	sizeKb := int(op.num("sizeKb"))

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	path := "/test/selftest_" + hex.EncodeToString(nonce) + ".bin"
	token := hex.EncodeToString(nonce)

	op.report(10, "Writing test file")
	if _, err := op.send(ctx, "fs.write", map[string]any{"path": path, "sizeKb": sizeKb, "token": token}); err != nil {
		return nil, err
	}
	defer op.cleanup("fs.delete", map[string]any{"path": path})

	op.report(50, "Reading test file back")
	resp, err := op.send(ctx, "fs.read", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}

	readToken, _ := resp.Data["token"].(string)
	details := map[string]any{
		"path":    path,
		"sizeKb":  sizeKb,
		"success": readToken == token,
	}
	if readToken != token {
		return details, fmt.Errorf("read-back content mismatch on %s", path)
	}
	op.report(90, "Deleting test file")
	return details, nil
}

// runWifi scans for the configured network and attempts to associate
// within the join deadline.
func runWifi(ctx context.Context, op *opContext) (map[string]any, error) {
	ssid := op.str("ssid")
	password := op.str("password")
	joinTimeout := time.Duration(op.num("joinTimeout")) * time.Millisecond

	op.report(10, "Scanning for networks")
	scan, err := op.send(ctx, "wifi.scan", nil)
	if err != nil {
		return nil, err
	}
	found := false
	if networks, ok := scan.Data["networks"].([]any); ok {
		for _, n := range networks {
			if s, ok := n.(string); ok && s == ssid {
				found = true
				break
			}
		}
	}
	if !found {
		return map[string]any{"ssid": ssid, "found": false, "success": false},
			fmt.Errorf("network %q not found in scan", ssid)
	}

	op.report(40, "Joining "+ssid)
	if _, err := op.send(ctx, "wifi.join", map[string]any{"ssid": ssid, "password": password}); err != nil {
		return nil, err
	}
	defer op.cleanup("wifi.disconnect", nil)

	deadline := time.Now().Add(joinTimeout)
	for {
		if time.Now().After(deadline) {
			return map[string]any{"ssid": ssid, "found": true, "success": false},
				fmt.Errorf("no association with %q within %s", ssid, joinTimeout)
		}
		resp, err := op.send(ctx, "wifi.status", nil)
		if err != nil {
			return nil, err
		}
		if connected, _ := resp.Data["connected"].(bool); connected {
			details := map[string]any{
				"ssid":    ssid,
				"found":   true,
				"success": true,
			}
			if ip, ok := resp.Data["ip"].(string); ok {
				details["ip"] = ip
			}
			op.report(90, "Associated with "+ssid)
			return details, nil
		}
		op.report(60, "Waiting for association")
		if err := sleep(ctx, op.executor.pollInterval); err != nil {
			return nil, err
		}
	}
}

// runBattery samples the battery voltage and checks the average against the
// configured minimum.
func runBattery(ctx context.Context, op *opContext) (map[string]any, error) {
	samples := int(op.num("samples"))
	minVoltage := op.num("minVoltage")

	var readings []float64
	var sum float64
	for i := 0; i < samples; i++ {
		op.report(10+i*80/samples, fmt.Sprintf("Sample %d/%d", i+1, samples))
		resp, err := op.send(ctx, "power.battery", nil)
		if err != nil {
			return nil, err
		}
		v, ok := resp.Data["voltage"].(float64)
		if !ok {
			return nil, fmt.Errorf("no voltage reading in response")
		}
		readings = append(readings, v)
		sum += v
		if i < samples-1 {
			if err := sleep(ctx, op.executor.pollInterval); err != nil {
				return nil, err
			}
		}
	}

	avg := sum / float64(samples)
	details := map[string]any{
		"samples":    samples,
		"readings":   readings,
		"average":    avg,
		"minVoltage": minVoltage,
		"success":    avg >= minVoltage,
	}
	if avg < minVoltage {
		return details, fmt.Errorf("average voltage %.2fV below minimum %.2fV", avg, minVoltage)
	}
	return details, nil
}

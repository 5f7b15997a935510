package catalog

import (
	_ "embed"

	"devicelab/internal/domain"
)

//go:embed testsuite.yaml
var builtinSuite []byte

func fptr(f float64) *float64 { return &f }

// builtinTests returns the operation-mode hardware exercises. Protocol
// (step-sequence) tests live in testsuite.yaml.
func builtinTests() []*domain.TestDefinition {
	return []*domain.TestDefinition{
		{
			ID:          "led",
			Name:        "LED Blink",
			Category:    "gpio",
			Icon:        "lightbulb",
			Description: "Blinks the status LED and verifies the pin toggles.",
			Parameters: []domain.Parameter{
				{Name: "pin", Kind: domain.ParameterKindNumber, Default: 2, Min: fptr(0), Max: fptr(40)},
				{Name: "duration", Kind: domain.ParameterKindNumber, Default: 1000, Min: fptr(100), Max: fptr(10000)},
				{Name: "pattern", Kind: domain.ParameterKindEnum, Default: "blink", Values: []string{"blink", "pulse", "solid"}},
			},
			TimeoutMs:        15000,
			EstimatedSeconds: 5,
		},
		{
			ID:          "gpioLoopback",
			Name:        "GPIO Loopback",
			Category:    "gpio",
			Icon:        "swap",
			Description: "Writes a bit pattern on the output pin and reads it back on the input pin.",
			Parameters: []domain.Parameter{
				{Name: "outputPin", Kind: domain.ParameterKindNumber, Default: 2, Min: fptr(0), Max: fptr(40)},
				{Name: "inputPin", Kind: domain.ParameterKindNumber, Default: 4, Min: fptr(0), Max: fptr(40)},
				{Name: "testPattern", Kind: domain.ParameterKindString, Default: "0101"},
			},
			TimeoutMs:        20000,
			EstimatedSeconds: 8,
		},
		{
			ID:          "microphone",
			Name:        "Microphone Capture",
			Category:    "audio",
			Icon:        "mic",
			Description: "Records a short sample and checks the peak level against a sensitivity threshold.",
			Parameters: []domain.Parameter{
				{Name: "duration", Kind: domain.ParameterKindNumber, Default: 2000, Min: fptr(500), Max: fptr(10000)},
				{Name: "sensitivity", Kind: domain.ParameterKindNumber, Default: 50, Min: fptr(1), Max: fptr(100)},
			},
			TimeoutMs:        20000,
			EstimatedSeconds: 8,
		},
		{
			ID:          "gps",
			Name:        "GPS Fix",
			Category:    "gps",
			Icon:        "satellite",
			Description: "Powers the receiver and waits for a position fix within the deadline.",
			Parameters: []domain.Parameter{
				{Name: "fixTimeout", Kind: domain.ParameterKindNumber, Default: 30000, Min: fptr(5000), Max: fptr(120000)},
				{Name: "minSatellites", Kind: domain.ParameterKindNumber, Default: 3, Min: fptr(1), Max: fptr(12)},
			},
			TimeoutMs:        60000,
			EstimatedSeconds: 30,
		},
		{
			ID:          "sdcard",
			Name:        "SD Card Read/Write",
			Category:    "storage",
			Icon:        "sd-card",
			Description: "Writes a test file, reads it back, verifies the content and deletes it.",
			Parameters: []domain.Parameter{
				{Name: "sizeKb", Kind: domain.ParameterKindNumber, Default: 16, Min: fptr(1), Max: fptr(1024)},
			},
			TimeoutMs:        20000,
			EstimatedSeconds: 6,
		},
		{
			ID:          "wifi",
			Name:        "Wi-Fi Join",
			Category:    "network",
			Icon:        "wifi",
			Description: "Scans for the configured network and attempts to associate.",
			Parameters: []domain.Parameter{
				{Name: "ssid", Kind: domain.ParameterKindString, Required: true},
				{Name: "password", Kind: domain.ParameterKindSecret, Default: ""},
				{Name: "joinTimeout", Kind: domain.ParameterKindNumber, Default: 15000, Min: fptr(3000), Max: fptr(60000)},
			},
			TimeoutMs:        30000,
			EstimatedSeconds: 15,
		},
		{
			ID:          "battery",
			Name:        "Battery Sampling",
			Category:    "power",
			Icon:        "battery",
			Description: "Samples the battery voltage and checks the average against a minimum.",
			Parameters: []domain.Parameter{
				{Name: "samples", Kind: domain.ParameterKindNumber, Default: 5, Min: fptr(1), Max: fptr(50)},
				{Name: "minVoltage", Kind: domain.ParameterKindNumber, Default: 3.3, Min: fptr(2.5), Max: fptr(5.0)},
			},
			TimeoutMs:        30000,
			EstimatedSeconds: 10,
		},
		{
			ID:          "fullSystem",
			Name:        "Full System Check",
			Category:    "system",
			Icon:        "clipboard-check",
			Description: "Runs every component check in sequence and aggregates the outcomes.",
			Parameters: []domain.Parameter{
				{Name: "ssid", Kind: domain.ParameterKindString, Default: "testnet"},
				{Name: "password", Kind: domain.ParameterKindSecret, Default: ""},
			},
			TimeoutMs:        180000,
			EstimatedSeconds: 90,
		},
	}
}

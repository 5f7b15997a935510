package engine

import (
	"fmt"
	"regexp"
	"strconv"

	"devicelab/internal/domain"
)

// ResponseHandler interprets a raw device reply. A nil error means the step
// passed; the returned map is merged into the run's result payload.
type ResponseHandler func(resp *domain.Response) (map[string]any, error)

var (
	csqPattern  = regexp.MustCompile(`\+CSQ:\s*(\d+),\s*(\d+)`)
	cregPattern = regexp.MustCompile(`\+CREG:\s*\d+,\s*(\d+)`)
)

func builtinHandlers() map[string]ResponseHandler {
	return map[string]ResponseHandler{
		"signalQuality":       parseSignalQuality,
		"networkRegistration": parseNetworkRegistration,
	}
}

// parseSignalQuality interprets an AT+CSQ report. RSSI index 99 means "not
// known or not detectable" and fails the step.
func parseSignalQuality(resp *domain.Response) (map[string]any, error) {
	m := csqPattern.FindStringSubmatch(resp.Text())
	if m == nil {
		return nil, fmt.Errorf("no +CSQ report in response %q", resp.Text())
	}
	index, _ := strconv.Atoi(m[1])
	if index >= 99 {
		return nil, fmt.Errorf("signal strength not detectable (CSQ %d)", index)
	}
	// 3GPP TS 27.007: dBm = -113 + 2*index, index in 0..31.
	dbm := -113 + 2*index
	quality := index * 100 / 31
	return map[string]any{
		"rssi_index": index,
		"rssi_dbm":   dbm,
		"quality":    quality,
	}, nil
}

// parseNetworkRegistration interprets an AT+CREG report; stat 1 (home) and
// 5 (roaming) count as registered.
func parseNetworkRegistration(resp *domain.Response) (map[string]any, error) {
	m := cregPattern.FindStringSubmatch(resp.Text())
	if m == nil {
		return nil, fmt.Errorf("no +CREG report in response %q", resp.Text())
	}
	stat, _ := strconv.Atoi(m[1])
	if stat != 1 && stat != 5 {
		return nil, fmt.Errorf("modem not registered (CREG stat %d)", stat)
	}
	return map[string]any{
		"registration": stat,
		"roaming":      stat == 5,
	}, nil
}

package cloud

import (
	"fmt"
	"net/url"
	"strings"

	"codeberg.org/mutker/greenhousectl/internal/errors"
)

// Report holds the static identifiers baked into every outbound request.
// The endpoint expects the body fields in a fixed order, so the encoder
// assembles them by hand rather than through url.Values, which sorts keys.
type Report struct {
	Host        string
	Path        string
	APIKey      string
	TalkbackKey string
	Latitude    float64
	Longitude   float64
	Status      string
	MaxSize     int // encoded request bound in bytes; 0 selects the default
}

const defaultMaxRequest = 1024

// EncodeRequest serializes one snapshot into a complete HTTP/1.1 POST:
// the URL-encoded body in fixed field order, wrapped in an envelope with
// Host, Content-Type, Connection: close and a computed Content-Length.
// A request exceeding the configured bound is a configuration error and
// fails loudly; nothing is ever truncated.
func EncodeRequest(r Report, snap Snapshot) ([]byte, error) {
	body := fmt.Sprintf(
		"api_key=%s"+
			"&talkback_key=%s"+
			"&field1=%.2f"+
			"&field2=%.2f"+
			"&field3=%.2f"+
			"&field4=%.2f"+
			"&field5=%.2f"+
			"&lat=%.4f"+
			"&long=%.4f"+
			"&status=%s",
		escape(r.APIKey),
		escape(r.TalkbackKey),
		snap.CO2PPM,
		snap.RelativeHumidity,
		snap.TemperatureC,
		snap.FanSpeedPct,
		snap.CO2SetpointPPM,
		r.Latitude,
		r.Longitude,
		escape(r.Status),
	)

	request := fmt.Sprintf(
		"POST %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Content-Type: application/x-www-form-urlencoded\r\n"+
			"Connection: close\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n"+
			"%s",
		r.Path, r.Host, len(body), body,
	)

	maxSize := r.MaxSize
	if maxSize == 0 {
		maxSize = defaultMaxRequest
	}
	if len(request) > maxSize {
		return nil, errors.New().WithData(ErrRequestTooLarge, struct {
			Size  int
			Limit int
		}{Size: len(request), Limit: maxSize})
	}

	return []byte(request), nil
}

// escape percent-encodes a body value. The endpoint expects spaces as
// %20, not the '+' that url.QueryEscape emits.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

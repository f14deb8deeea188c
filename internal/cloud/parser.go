package cloud

import (
	"bytes"
	"strconv"
)

const (
	setpointMarker = "SETPOINT="

	// maxSetpointPPM is the safe CO2 fertilization ceiling. Commands above
	// it are rejected outright, never clamped.
	maxSetpointPPM = 1500.0
)

// setpointDelimiters end the command token: the first quote, space, CR or
// LF after the marker, or the end of the buffer when none occurs.
var setpointDelimiters = []byte("\" \r\n")

// HasSetpointCommand reports whether the response carries the command
// marker at all, valid or not. The reporter uses it to tell a rejected
// command apart from an absent one.
func HasSetpointCommand(response []byte) bool {
	return bytes.Contains(response, []byte(setpointMarker))
}

// ParseSetpointCommand scans a completed response for an embedded remote
// setpoint command. It reports the parsed value and whether a valid
// command was found. Out-of-range and unparsable values are treated the
// same as an absent command.
func ParseSetpointCommand(response []byte) (float64, bool) {
	idx := bytes.Index(response, []byte(setpointMarker))
	if idx < 0 {
		return 0, false
	}

	token := response[idx+len(setpointMarker):]
	if end := bytes.IndexAny(token, string(setpointDelimiters)); end >= 0 {
		token = token[:end]
	}

	value, err := strconv.ParseFloat(string(token), 64)
	if err != nil {
		return 0, false
	}

	// The comparison is written to also reject NaN, which ParseFloat accepts
	if !(value > 0 && value <= maxSetpointPPM) {
		return 0, false
	}

	return value, true
}

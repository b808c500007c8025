// internal/data/parser.go
package data

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedMessage is returned for feed payloads outside the switch grammar.
var ErrMalformedMessage = errors.New("malformed switch message")

var switchPattern = regexp.MustCompile(`^Switch (\d+): (ON|OFF)$`)

// SwitchEvent is a parsed actuator feed message.
type SwitchEvent struct {
	Switch int
	State  SwitchState
}

// ParseSwitch parses payloads of the form "Switch <N>: ON|OFF". Surrounding
// whitespace (trailing newlines from the broker) is ignored; anything else
// outside the grammar is rejected.
func ParseSwitch(raw []byte) (SwitchEvent, error) {
	msg := strings.TrimSpace(string(raw))
	m := switchPattern.FindStringSubmatch(msg)
	if m == nil {
		return SwitchEvent{}, fmt.Errorf("%w: %q", ErrMalformedMessage, msg)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return SwitchEvent{}, fmt.Errorf("%w: bad switch number %q", ErrMalformedMessage, m[1])
	}
	return SwitchEvent{Switch: n, State: SwitchState(m[2])}, nil
}

package offlinecache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type Command string

const (
	// Activate now instead of waiting.
	CommandSkipWaiting Command = "SKIP_WAITING"
	// Delete every namespace, for manual recovery.
	CommandClearCache Command = "CLEAR_CACHE"
	CommandGetVersion Command = "GET_VERSION"
)

var ErrUnknownCommand = errors.New("unknown command")

type Message struct {
	Command Command
}

type Reply struct {
	Version    string   `json:"version"`
	State      string   `json:"state"`
	Namespaces []string `json:"namespaces"`
	Cleared    []string `json:"cleared,omitempty"`
}

// ParseMessage reads a message sent by a page, either a JSON object
// with a "type" field (`{"type":"SKIP_WAITING"}`) or the bare command.
func ParseMessage(b []byte) (Message, error) {
	text := strings.TrimSpace(string(b))
	var command string
	if gjson.Valid(text) {
		parsed := gjson.Parse(text)
		switch {
		case parsed.IsObject():
			command = parsed.Get("type").String()
		case parsed.Type == gjson.String:
			command = parsed.String()
		}
	} else {
		command = text
	}
	switch c := Command(strings.ToUpper(command)); c {
	case CommandSkipWaiting, CommandClearCache, CommandGetVersion:
		return Message{Command: c}, nil
	}
	return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

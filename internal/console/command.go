package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Console command names.
const (
	CmdAccept   = "accept"
	CmdReject   = "reject"
	CmdDial     = "dial"
	CmdHangup   = "hangup"
	CmdClose    = "close"
	CmdMute     = "mute"
	CmdHold     = "hold"
	CmdTransfer = "transfer"
	CmdDigits   = "digits"
	CmdPresence = "presence"
	CmdNotes    = "notes"
)

var commandNames = []string{
	CmdAccept, CmdReject, CmdDial, CmdHangup, CmdClose, CmdMute,
	CmdHold, CmdTransfer, CmdDigits, CmdPresence, CmdNotes,
}

var ErrUnknownCommand = errors.New("unknown console command")

// Command is one request from the console.
type Command struct {
	Name     string `json:"command"`
	Number   string `json:"number,omitempty"`
	Digits   string `json:"digits,omitempty"`
	Presence string `json:"presence,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ParseCommand decodes and validates a command payload.
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	if !slices.Contains(commandNames, c.Name) {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Name)
	}
	return c, nil
}

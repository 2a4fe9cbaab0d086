// Package protocol defines the wire format spoken between the opsmesh
// server and its agents: flat JSON messages carrying a "type"
// discriminator, framed with a 4-byte big-endian length prefix.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminators.
const (
	TypeRegistration = "registration"
	TypeCommand      = "command"
	TypeResult       = "result"
)

// Message is implemented by every wire message. Kind returns the value of
// the message's "type" field.
type Message interface {
	Kind() string
}

// Registration is the first message an agent sends after connecting. Until
// it arrives the server holds no state for the connection.
type Registration struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

func NewRegistration(clientID, authToken string) *Registration {
	return &Registration{
		Type:      TypeRegistration,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		AuthToken: authToken,
	}
}

func (*Registration) Kind() string { return TypeRegistration }

// Command carries one shell command from the server to an agent.
type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

func NewCommand(command string) *Command {
	return &Command{Type: TypeCommand, Command: command}
}

func (*Command) Kind() string { return TypeCommand }

// Result carries the captured output of one executed command back to the
// server. ReturnCode is -1 when the command could not be executed at all,
// timeouts included.
type Result struct {
	Type       string `json:"type"`
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
	Timestamp  string `json:"timestamp,omitempty"`
}

func NewResult(command, stdout, stderr string, returnCode int) *Result {
	return &Result{
		Type:       TypeResult,
		Command:    command,
		Stdout:     stdout,
		Stderr:     stderr,
		ReturnCode: returnCode,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func (*Result) Kind() string { return TypeResult }

// Decode parses one JSON payload into its concrete message type. Payloads
// with a missing or unknown discriminator are rejected, never guessed at.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch head.Type {
	case TypeRegistration:
		var m Registration
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode registration: %w", err)
		}
		return &m, nil
	case TypeCommand:
		var m Command
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		return &m, nil
	case TypeResult:
		var m Result
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

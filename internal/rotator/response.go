package rotator

import (
	"fmt"
	"strings"
)

type Status int

const (
	StatusOK Status = iota
	StatusErr
)

func (s Status) String() string {
	if s == StatusErr {
		return "ERR"
	}
	return "OK"
}

// Response is the controller's answer to one command.
type Response struct {
	Status Status
	Fields []string
}

// ParseResponse splits a response line into status and payload fields. Any
// first token other than OK or ERR, including none, is a *ProtocolError.
func ParseResponse(line string) (Response, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Response{}, &ProtocolError{State: StateResponseReceived, Reason: "empty response", Line: line}
	}
	switch tokens[0] {
	case "OK":
		return Response{Status: StatusOK, Fields: tokens[1:]}, nil
	case "ERR":
		return Response{Status: StatusErr, Fields: tokens[1:]}, nil
	default:
		return Response{}, &ProtocolError{State: StateResponseReceived, Reason: fmt.Sprintf("unexpected status %q", tokens[0]), Line: line}
	}
}

// Package rotator speaks the line protocol of the two-axis antenna rotator
// controller.
//
// Every command is one ASCII line. The controller echoes the line back, then
// answers with "OK [field ...]" or "ERR".
package rotator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Opcode string

const (
	OpSetVertical    Opcode = "DVER"
	OpSetHorizontal  Opcode = "DHOR"
	OpCalibrateVert  Opcode = "CALV"
	OpCalibrateHoriz Opcode = "CALH"
	OpMove           Opcode = "MOVC"
	OpMoveVertSteps  Opcode = "MOVV"
	OpMoveHorizSteps Opcode = "MOVH"
	OpGetPosition    Opcode = "GETP"
	OpGetCalibrated  Opcode = "GETC"
	OpGetVersion     Opcode = "VERS"
	OpHalt           Opcode = "HALT"
)

const calibratePersistArg = "SET"

// Direction is a continuous movement request for MOVC.
type Direction string

const (
	Up             Direction = "UP"
	Down           Direction = "DN"
	StopVertical   Direction = "SV"
	Left           Direction = "LT"
	Right          Direction = "RT"
	StopHorizontal Direction = "SH"
)

// ParseDirection accepts either the wire code or a spelled-out name.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return Up, nil
	case "dn", "down":
		return Down, nil
	case "sv", "stop_vertical", "stopvertical":
		return StopVertical, nil
	case "lt", "left":
		return Left, nil
	case "rt", "right":
		return Right, nil
	case "sh", "stop_horizontal", "stophorizontal":
		return StopHorizontal, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Command is one request to the controller together with the number of
// payload fields its OK response must carry.
type Command struct {
	Op     Opcode
	Args   []string
	Expect int
}

// SetVertical points the vertical axis at deg degrees of elevation.
func SetVertical(deg float64) Command {
	return Command{Op: OpSetVertical, Args: []string{formatAngle(deg)}}
}

// SetHorizontal points the horizontal axis at deg degrees of bearing. The
// controller's horizontal axis turns the opposite way, so the value is sent
// negated.
func SetHorizontal(deg float64) Command {
	return Command{Op: OpSetHorizontal, Args: []string{formatAngle(-deg)}}
}

// CalibrateVertical starts vertical calibration; persist stores the result
// in the controller.
func CalibrateVertical(persist bool) Command {
	c := Command{Op: OpCalibrateVert}
	if persist {
		c.Args = []string{calibratePersistArg}
	}
	return c
}

func CalibrateHorizontal() Command { return Command{Op: OpCalibrateHoriz} }

func Move(d Direction) Command { return Command{Op: OpMove, Args: []string{string(d)}} }

func MoveVerticalSteps(n int) Command {
	return Command{Op: OpMoveVertSteps, Args: []string{strconv.Itoa(n)}}
}

func MoveHorizontalSteps(n int) Command {
	return Command{Op: OpMoveHorizSteps, Args: []string{strconv.Itoa(n)}}
}

func GetPosition() Command   { return Command{Op: OpGetPosition, Expect: 2} }
func GetCalibrated() Command { return Command{Op: OpGetCalibrated, Expect: 1} }
func GetVersion() Command    { return Command{Op: OpGetVersion, Expect: 1} }
func Halt() Command          { return Command{Op: OpHalt} }

// String renders the command without its line terminator.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Op)
	}
	return string(c.Op) + " " + strings.Join(c.Args, " ")
}

// Encode renders the wire form, newline terminated.
func (c Command) Encode() []byte {
	return []byte(c.String() + "\n")
}

// formatAngle always carries a decimal point ("42.0", "-42.5") because the
// controller firmware parses angles as floats.
func formatAngle(deg float64) string {
	if deg == 0 || math.IsNaN(deg) || math.IsInf(deg, 0) {
		deg = 0
	}
	s := strconv.FormatFloat(deg, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

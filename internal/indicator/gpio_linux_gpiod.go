//go:build linux && (arm || arm64)

package indicator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "antenna-tracker-lock"

func openLine(chip string, line int) (output, error) {
	if line < 0 {
		return nil, fmt.Errorf("indicator: invalid gpio line %d", line)
	}
	if chip != "" && chip != "auto" {
		c, err := gpiocdev.NewChip(chip)
		if err != nil {
			return nil, fmt.Errorf("indicator: open %s: %w", chip, err)
		}
		l, err := c.RequestLine(line, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("indicator: request %s line %d: %w", chip, line, err)
		}
		return &gpiodLine{chip: c, line: l}, nil
	}

	// Header pins are usually named GPIO<n>; the chip that carries them
	// differs between Pi models.
	lineName := fmt.Sprintf("GPIO%d", line)
	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", e.Name()))
		}
	}
	for _, path := range candidates {
		c, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := c.FindLine(lineName)
		if err != nil {
			_ = c.Close()
			continue
		}
		l, err := c.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
		if err != nil {
			_ = c.Close()
			continue
		}
		return &gpiodLine{chip: c, line: l}, nil
	}
	return nil, fmt.Errorf("indicator: gpio line %q not found (or busy)", lineName)
}

var openLineFn = openLine

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) Set(on bool) error {
	if g.line == nil {
		return fmt.Errorf("indicator: line closed")
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	if g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}

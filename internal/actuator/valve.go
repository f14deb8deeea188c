package actuator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

const gpioRoot = "/sys/class/gpio"

// Line is one digital output line. OpenLine drives a sysfs GPIO; tests
// substitute an in-memory fake.
type Line interface {
	Set(active bool) error
	Close() error
}

type sysfsLine struct {
	pin  int
	path string
}

// OpenLine exports the GPIO, configures it as an output and drives it
// low. An already exported line is reused.
func OpenLine(pin int) (Line, error) {
	errFactory := errors.New()

	path := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(gpioRoot, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, errFactory.Wrap(ErrValveInit, err)
		}
	}
	if err := os.WriteFile(filepath.Join(path, "direction"), []byte("out"), 0o644); err != nil {
		return nil, errFactory.Wrap(ErrValveInit, err)
	}

	line := &sysfsLine{pin: pin, path: path}
	if err := line.Set(false); err != nil {
		return nil, err
	}

	logger.Debug().Int("pin", pin).Msg("GPIO line exported")
	return line, nil
}

func (l *sysfsLine) Set(active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	if err := os.WriteFile(filepath.Join(l.path, "value"), []byte(value), 0o644); err != nil {
		return errors.New().Wrap(ErrValveWrite, err)
	}
	return nil
}

func (l *sysfsLine) Close() error {
	if err := l.Set(false); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(gpioRoot, "unexport"), []byte(strconv.Itoa(l.pin)), 0o200); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

// Valve is the CO2 feed solenoid. It is normally closed; opening it
// releases gas into the greenhouse, so callers own the duty cycle and
// the valve itself stays dumb.
type Valve struct {
	mu   sync.Mutex
	line Line
	open bool
}

func NewValve(line Line) *Valve {
	return &Valve{line: line}
}

func (v *Valve) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.open {
		return nil
	}
	if err := v.line.Set(true); err != nil {
		return err
	}
	v.open = true
	logger.Debug().Msg("Valve opened")
	return nil
}

func (v *Valve) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.open {
		return nil
	}
	if err := v.line.Set(false); err != nil {
		return err
	}
	v.open = false
	logger.Debug().Msg("Valve closed")
	return nil
}

func (v *Valve) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Release forces the valve closed and gives the line back.
func (v *Valve) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.open = false
	return v.line.Close()
}

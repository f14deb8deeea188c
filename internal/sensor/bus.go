// Package sensor drives the greenhouse field devices that share one
// Modbus RTU serial line: the CO2 probe, the combined temperature and
// humidity probe, and the analog fan output module.
package sensor

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
	"go.bug.st/serial"
)

const (
	defaultBaudRate    = 9600
	defaultReadTimeout = 500 * time.Millisecond

	fnReadHolding = 0x03
	fnWriteSingle = 0x06
	exceptionBit  = 0x80

	readResponseLen  = 7 // unit, function, byte count, one register, CRC
	writeResponseLen = 8 // echo of the request
	exceptionLen     = 5 // unit, function|0x80, exception code, CRC

	// Quiet period between frames. The RTU inter-frame silence is 3.5
	// character times, about 4ms at 9600 baud.
	frameGap = 5 * time.Millisecond
)

// Port is the serial line under the bus. Open configures a real device;
// tests substitute an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// RegisterBus is the slice of the bus the device drivers use.
type RegisterBus interface {
	ReadRegister(unit byte, register uint16) (uint16, error)
	WriteRegister(unit byte, register, value uint16) error
}

// Config describes the serial line. Zero values select the defaults.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Bus is a Modbus RTU master. Exactly one request/response transaction
// runs at a time; the mutex serializes the probes and the fan driver
// sharing the line.
type Bus struct {
	mu       sync.Mutex
	port     Port
	lastDone time.Time
}

// Open opens the serial device at 8 data bits, no parity, two stop bits
// and wraps it in a Bus.
func Open(cfg Config) (*Bus, error) {
	errFactory := errors.New()

	if cfg.Device == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "serial device must not be empty")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, errFactory.Wrap(ErrPortOpen, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, errFactory.Wrap(ErrPortConfig, err)
	}

	logger.Info().
		Str("device", cfg.Device).
		Int("baud_rate", cfg.BaudRate).
		Msg("Serial bus opened")

	return NewBus(port), nil
}

// NewBus wraps an already configured port.
func NewBus(port Port) *Bus {
	return &Bus{port: port}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.port.Close(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

// ReadRegister reads one holding register (function 3).
func (b *Bus) ReadRegister(unit byte, register uint16) (uint16, error) {
	response, err := b.transact(buildFrame(unit, fnReadHolding, register, 1), readResponseLen)
	if err != nil {
		return 0, err
	}

	if response[2] != 2 {
		return 0, errors.New().WithData(ErrBadFrame, response[2])
	}
	return binary.BigEndian.Uint16(response[3:5]), nil
}

// WriteRegister writes one holding register (function 6). The device
// echoes the full request on success.
func (b *Bus) WriteRegister(unit byte, register, value uint16) error {
	request := buildFrame(unit, fnWriteSingle, register, value)
	response, err := b.transact(request, writeResponseLen)
	if err != nil {
		return err
	}

	if !bytes.Equal(response, request) {
		return errors.New().WithData(ErrBadFrame, "write echo mismatch")
	}
	return nil
}

// transact sends one request frame and collects the response. Exception
// responses are 5 bytes; everything else must reach want bytes before
// the port read timeout runs out.
func (b *Bus) transact(request []byte, want int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	errFactory := errors.New()

	if gap := frameGap - time.Since(b.lastDone); gap > 0 {
		time.Sleep(gap)
	}
	defer func() { b.lastDone = time.Now() }()

	if err := b.port.ResetInputBuffer(); err != nil {
		return nil, errFactory.Wrap(ErrPortConfig, err)
	}
	if _, err := b.port.Write(request); err != nil {
		return nil, errFactory.Wrap(ErrWriteFailed, err)
	}

	buf := make([]byte, 0, want)
	scratch := make([]byte, want)
	for len(buf) < want {
		n, err := b.port.Read(scratch)
		if err != nil {
			return nil, errFactory.Wrap(ErrReadFailed, err)
		}
		if n == 0 {
			// Read timeout elapsed with the frame still incomplete
			break
		}
		buf = append(buf, scratch[:n]...)

		if len(buf) >= exceptionLen && buf[1] == request[1]|exceptionBit {
			buf = buf[:exceptionLen]
			break
		}
	}

	switch {
	case len(buf) == 0:
		return nil, errFactory.WithData(ErrReadTimeout, struct {
			Unit     byte
			Function byte
		}{request[0], request[1]})
	case len(buf) >= 2 && buf[1] == request[1]|exceptionBit:
		if len(buf) < exceptionLen || !checkCRC(buf[:exceptionLen]) {
			return nil, errFactory.WithData(ErrBadFrame, buf)
		}
		return nil, errFactory.WithData(ErrDeviceFault, buf[2])
	case len(buf) < want:
		return nil, errFactory.WithData(ErrBadFrame, buf)
	}

	frame := buf[:want]
	if !checkCRC(frame) {
		return nil, errFactory.New(ErrCRCMismatch)
	}
	if frame[0] != request[0] || frame[1] != request[1] {
		return nil, errFactory.WithData(ErrBadFrame, frame)
	}

	return frame, nil
}

func buildFrame(unit, fn byte, register, value uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = unit
	frame[1] = fn
	binary.BigEndian.PutUint16(frame[2:4], register)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return appendCRC(frame)
}

// crc16 is the Modbus CRC: initial value 0xFFFF, polynomial 0xA001,
// transmitted low byte first.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}

	crc := crc16(frame[:len(frame)-2])
	return frame[len(frame)-2] == byte(crc) && frame[len(frame)-1] == byte(crc>>8)
}

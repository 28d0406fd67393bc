package fxas21002c

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gophertribe/gyro"
)

// FXAS21002C default 7-bit I2C address is 0x21.
const DefaultAddress = 0x21

// DeviceID is the WHO_AM_I register content for this part.
const DeviceID = 0xD7

// Register map (per datasheet)
const (
	regStatus  byte = 0x00
	regOutXMSB byte = 0x01
	regOutXLSB byte = 0x02
	regOutYMSB byte = 0x03
	regOutYLSB byte = 0x04
	regOutZMSB byte = 0x05
	regOutZLSB byte = 0x06
	regWhoAmI  byte = 0x0C
	regCtrl0   byte = 0x0D
	regCtrl1   byte = 0x13
	regCtrl2   byte = 0x14
)

// Setting the MSB of the register address enables address auto-increment,
// so a burst read starting at STATUS returns all six output registers.
const autoIncrement byte = 0x80

// CTRL_REG1 value for active mode with 100Hz output data rate.
const ctrl1Active byte = 0x0E

// Datasheet requires 60ms plus one ODR period to transition into active
// mode; 100ms leaves a margin at 100Hz.
const defaultSettleDelay = 100 * time.Millisecond

var ErrDeviceNotFound = errors.New("fxas21002c: device not found, check wiring")
var ErrInvalidRange = errors.New("fxas21002c: unsupported measurement range")

// Range is the configured full-scale measurement range in degrees per
// second. It selects both the CTRL_REG0 sensitivity bits and the constant
// used to scale raw counts, so the two can never disagree.
type Range int

const (
	Range250DPS  Range = 250
	Range500DPS  Range = 500
	Range1000DPS Range = 1000
	Range2000DPS Range = 2000
)

func (r Range) String() string {
	return fmt.Sprintf("%ddps", int(r))
}

func (r Range) valid() bool {
	switch r {
	case Range250DPS, Range500DPS, Range1000DPS, Range2000DPS:
		return true
	}
	return false
}

// ctrlReg0 returns the CTRL_REG0 full-scale selection byte.
func (r Range) ctrlReg0() byte {
	switch r {
	case Range250DPS:
		return 0x03
	case Range500DPS:
		return 0x02
	case Range1000DPS:
		return 0x01
	default:
		return 0x00
	}
}

// sensitivity returns the raw count multiplier from table 35 of the
// datasheet. The values are exact in floating point.
func (r Range) sensitivity() float64 {
	switch r {
	case Range250DPS:
		return 0.0078125
	case Range500DPS:
		return 0.015625
	case Range1000DPS:
		return 0.03125
	default:
		return 0.0625
	}
}

type Opts struct {
	Address     byte
	Range       Range
	SettleDelay time.Duration
}

type Opt func(*Opts)

func WithAddress(address byte) Opt {
	return func(o *Opts) {
		o.Address = address
	}
}

func WithRange(r Range) Opt {
	return func(o *Opts) {
		o.Range = r
	}
}

func WithSettleDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.SettleDelay = delay
	}
}

// FXAS21002C represents the NXP FXAS21002C three-axis gyroscope.
// Typical usage:
//
//	s, err := New(ctx, bus)
//	x, y, z, err := s.ReadScaled(ctx)
//
// The range is fixed for the lifetime of the instance. Bus transactions
// share a scratch buffer guarded by an internal mutex, so a single instance
// may be used from multiple goroutines; individual calls are serialized.
type FXAS21002C struct {
	mx sync.Mutex

	transport gyro.I2CBus
	addr      byte
	rng       Range
	buf       []byte
}

// New verifies the device identity on the bus and places the sensor in
// active mode with the requested range. It returns ErrDeviceNotFound when
// the WHO_AM_I register does not match and ErrInvalidRange when the range
// is not one of the four defined values. It does not return before the
// mandatory activation settling time has elapsed.
func New(ctx context.Context, transport gyro.I2CBus, opts ...Opt) (*FXAS21002C, error) {
	config := Opts{
		Address:     DefaultAddress,
		Range:       Range250DPS,
		SettleDelay: defaultSettleDelay,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if !config.Range.valid() {
		return nil, fmt.Errorf("%w: %d dps", ErrInvalidRange, config.Range)
	}
	s := &FXAS21002C{
		transport: transport,
		addr:      config.Address,
		rng:       config.Range,
		buf:       make([]byte, 7),
	}
	id, err := s.readRegister(ctx, regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("fxas21002c: could not read who_am_i register: %w", err)
	}
	if id != DeviceID {
		return nil, fmt.Errorf("%w (who_am_i %#x, expected %#x)", ErrDeviceNotFound, id, DeviceID)
	}
	// Set sensitivity first, then switch to active mode. The standby/reset
	// sequence the datasheet mentions is skipped: the part goes unresponsive
	// after the standby write on the reference hardware.
	err = s.writeRegister(ctx, regCtrl0, config.Range.ctrlReg0())
	if err != nil {
		return nil, fmt.Errorf("fxas21002c: could not set sensitivity: %w", err)
	}
	err = s.writeRegister(ctx, regCtrl1, ctrl1Active)
	if err != nil {
		return nil, fmt.Errorf("fxas21002c: could not activate: %w", err)
	}
	timer := time.NewTimer(config.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s, nil
}

// Range returns the measurement range the sensor was configured with.
func (s *FXAS21002C) Range() Range {
	return s.rng
}

// ReadRaw reads the three angular rate registers and returns X, Y, Z as
// unsigned 16-bit values packed high byte first. One burst transaction is
// issued: the status register address with the auto-increment flag is
// written without a stop condition and seven bytes are read back. The
// status byte is received but not interpreted.
func (s *FXAS21002C) ReadRaw(ctx context.Context) (uint16, uint16, uint16, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	cmd := [1]byte{regStatus | autoIncrement}
	err := s.transport.TxToAddr(ctx, s.addr, cmd[:], s.buf[:7])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fxas21002c: burst read failed: %w", err)
	}
	x := (uint16(s.buf[1])<<8 | uint16(s.buf[2])) & 0xFFFF
	y := (uint16(s.buf[3])<<8 | uint16(s.buf[4])) & 0xFFFF
	z := (uint16(s.buf[5])<<8 | uint16(s.buf[6])) & 0xFFFF
	return x, y, z, nil
}

// ReadScaled reads the angular rate and returns X, Y, Z in radians per
// second, scaled with the sensitivity constant of the configured range.
func (s *FXAS21002C) ReadScaled(ctx context.Context) (float64, float64, float64, error) {
	x, y, z, err := s.ReadRaw(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	sens := s.rng.sensitivity()
	return float64(x) * sens, float64(y) * sens, float64(z) * sens, nil
}

// Probe reads the identity register of the device at the given address
// without configuring it. Useful as a wiring check before construction.
func Probe(ctx context.Context, transport gyro.I2CBus, address byte) (byte, error) {
	var buf [1]byte
	err := transport.TxToAddr(ctx, address, []byte{regWhoAmI}, buf[:])
	if err != nil {
		return 0, fmt.Errorf("fxas21002c: could not read who_am_i register: %w", err)
	}
	return buf[0], nil
}

func (s *FXAS21002C) readRegister(ctx context.Context, reg byte) (byte, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	cmd := [1]byte{reg}
	err := s.transport.TxToAddr(ctx, s.addr, cmd[:], s.buf[:1])
	if err != nil {
		return 0, err
	}
	return s.buf[0], nil
}

func (s *FXAS21002C) writeRegister(ctx context.Context, reg, val byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.buf[0] = reg
	s.buf[1] = val
	return s.transport.WriteToAddr(ctx, s.addr, s.buf[:2])
}

package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gophertribe/gyro"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var _ gyro.I2CBus = &GenericBus{}

// GenericBus drives a kernel-exposed I2C bus through periph.io. Combined
// write-then-read transactions map onto i2c.Bus.Tx, which issues a repeated
// start between the two halves.
type GenericBus struct {
	bus i2c.BusCloser
}

func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		bus: bus,
	}, nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	err := b.bus.Tx(uint16(address), w, r)
	if err != nil {
		return fmt.Errorf("could not transact with i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	return b.bus.SetSpeed(f)
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}

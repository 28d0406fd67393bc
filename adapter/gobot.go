package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gophertribe/gyro"
	"gobot.io/x/gobot/v2/drivers/i2c"
)

var _ gyro.I2CBus = &GobotBus{}

// GobotBus exposes a gobot platform adaptor (NanoPi, Raspberry Pi, ...) as a
// gyro.I2CBus. Connections are opened lazily per device address and cached.
//
// Combined transactions are limited to a single command byte on the write
// side: they are mapped to an SMBus block read, which is the only
// write-then-read primitive gobot connections guarantee a repeated start
// for. That covers register pointer writes and burst reads.
type GobotBus struct {
	mx        sync.Mutex
	connector i2c.Connector
	busNr     int
	conns     map[byte]i2c.Connection
}

func NewGobotBus(connector i2c.Connector, busNr int) *GobotBus {
	return &GobotBus{
		connector: connector,
		busNr:     busNr,
		conns:     make(map[byte]i2c.Connection),
	}
}

func (b *GobotBus) connection(address byte) (i2c.Connection, error) {
	if conn, ok := b.conns[address]; ok {
		return conn, nil
	}
	conn, err := b.connector.GetI2cConnection(int(address), b.busNr)
	if err != nil {
		return nil, fmt.Errorf("could not get connection to %x on bus %d: %w", address, b.busNr, err)
	}
	b.conns[address] = conn
	return conn, nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := conn.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from %x: %d", address, n)
	}
	return nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := conn.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to %x: %d", address, n)
	}
	return nil
}

func (b *GobotBus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	if len(w) != 1 {
		return fmt.Errorf("gobot bus transactions support a single command byte, got %d", len(w))
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	err = conn.ReadBlockData(w[0], r)
	if err != nil {
		return fmt.Errorf("could not transact with %x: %w", address, err)
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

// Close closes all cached connections.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var firstErr error
	for addr, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not close connection to %x: %w", addr, err)
		}
		delete(b.conns, addr)
	}
	return firstErr
}

package gyro

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

type BusReader interface {
	Read(ctx context.Context, buffer []byte) error
}

type BusWriter interface {
	Write(ctx context.Context, buffer []byte) error
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// AddressableTransactor performs a register access as a single bus
// transaction: w is written without a stop condition and len(r) bytes are
// read back under the same exclusive claim. The bus is released on exit,
// on error paths included.
type AddressableTransactor interface {
	TxToAddr(ctx context.Context, address byte, w, r []byte) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
	AddressableTransactor
}

type I2CDevice interface {
	BusReader
	BusWriter
}

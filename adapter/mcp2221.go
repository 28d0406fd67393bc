package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gophertribe/gyro"

	"github.com/karalabe/hid"

	"github.com/gophertribe/gyro/cmd/gyro/console"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

// MCP2221 I2C engine command codes
const (
	cmdStatusSetParams  byte = 0x10
	cmdGetI2CData       byte = 0x40
	cmdWriteData        byte = 0x90
	cmdReadData         byte = 0x91
	cmdReadDataRepStart byte = 0x93
	cmdWriteDataNoStop  byte = 0x94
)

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrAdapterNotFound = errors.New("MCP2221 adapter not found")

var _ gyro.I2CBus = &MCP2221{}

// MCP2221 is a USB-HID to I2C bridge. All bus traffic goes through 64-byte
// HID reports; the request and response buffers are guarded by the mutex so
// one engine transaction is in flight at a time.
type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
}

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"I2C_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"I2C_speed_divider"`
	I2CTimeout             int    `yaml:"I2C_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

func NewMCP2221() *MCP2221 {
	return &MCP2221{
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 50 * time.Millisecond,
	}
}

// Init checks that the adapter is attached and clears any transfer the I2C
// engine may have pending from a previous run.
func (d *MCP2221) Init() error {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return ErrAdapterNotFound
	}
	_, err := d.ReleaseBus(context.Background())
	if err != nil {
		return fmt.Errorf("could not release I2C engine: %w", err)
	}
	return nil
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdWriteData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == 0x01 {
		console.Debug("adapter busy")
		return gyro.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdReadData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	return d.fetchReadData(ctx, buffer)
}

// TxToAddr writes w without a stop condition, then reads len(r) bytes with
// a repeated start. The engine holds the bus for the whole sequence, which
// is what register pointer writes and burst reads require.
func (d *MCP2221) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdWriteDataNoStop
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(w)))
	d.request[3] = address << 1
	if len(w) > 0 {
		copy(d.request[4:], w)
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("no-stop write to %x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		console.Debug("adapter busy")
		return gyro.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdReadDataRepStart
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(r)))
	d.request[3] = address<<1 + 1
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("repeated-start read from %x failed: %w", address, err)
	}
	return d.fetchReadData(ctx, r)
}

// fetchReadData retrieves the bytes collected by the I2C engine after a
// read command. Callers hold the mutex.
func (d *MCP2221) fetchReadData(ctx context.Context, buffer []byte) error {
	d.request[0] = cmdGetI2CData
	resetBuffer(d.response)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == 0x41 {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatusSetParams
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatusSetParams
	d.request[2] = 0x10
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2221) send(ctx context.Context, response bool, id ...int) error {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) > 1 && len(id) == 0 {
		return fmt.Errorf("ambiguous device identification")
	}
	if len(devs) == 0 {
		return ErrAdapterNotFound
	}
	var dev *hid.Device
	var err error
	if len(id) == 0 {
		dev, err = devs[0].Open()
		if err != nil {
			return fmt.Errorf("error opening device: %w", err)
		}
	} else {
		for d := range devs {
			if d == id[0] {
				dev, err = devs[0].Open()
				if err != nil {
					return fmt.Errorf("error opening device: %w", err)
				}
			}
		}
		if dev == nil {
			return fmt.Errorf("no device with id %d", id[0])
		}
	}
	defer func() {
		_ = dev.Close()
	}()
	verbose := console.IsVerbose(ctx)
	if verbose {
		console.Printf("sending message to adapter:\n%s\n", hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	time.Sleep(d.responseWait)
	console.Debug("reading response from adapter")
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		console.Printf("read message from adapter:\n%s\n", hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	resetBuffer(d.request)
	resetBuffer(d.response)
}

func resetBuffer(buf []byte) {
	for i := 0; i < len(buf)-1; i++ {
		buf[i] = 0x00
	}
}

package fxas21002c

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockI2CBus is a mock implementation of gyro.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
	concurrentOps int64 // tracks concurrent operations
	maxConcurrent int64 // maximum concurrent operations observed
	mu            sync.Mutex
}

func (m *MockI2CBus) enter() {
	m.mu.Lock()
	concurrent := atomic.AddInt64(&m.concurrentOps, 1)
	if concurrent > atomic.LoadInt64(&m.maxConcurrent) {
		atomic.StoreInt64(&m.maxConcurrent, concurrent)
	}
	m.mu.Unlock()
}

func (m *MockI2CBus) leave() {
	m.mu.Lock()
	atomic.AddInt64(&m.concurrentOps, -1)
	m.mu.Unlock()
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	if args.Get(0) != nil {
		if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
			copy(buffer, data)
		}
	}
	return args.Error(1)
}

func (m *MockI2CBus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, w, r)
	if args.Get(0) != nil {
		if data, ok := args.Get(0).([]byte); ok && len(data) <= len(r) {
			copy(r, data)
		}
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockI2CBus) reset() {
	atomic.StoreInt64(&m.concurrentOps, 0)
	atomic.StoreInt64(&m.maxConcurrent, 0)
	m.ExpectedCalls = nil
	m.Calls = nil
}

func expectWhoAmI(bus *MockI2CBus, id byte) {
	bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), []byte{regWhoAmI}, mock.Anything).
		Return([]byte{id}, nil).Once()
}

// newActiveSensor constructs a sensor against a mock that acknowledges the
// identity check and the two configuration writes, then clears the mock.
func newActiveSensor(t *testing.T, bus *MockI2CBus, opts ...Opt) *FXAS21002C {
	t.Helper()
	expectWhoAmI(bus, DeviceID)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).
		Return(nil).Twice()
	opts = append(opts, WithSettleDelay(time.Millisecond))
	sensor, err := New(context.Background(), bus, opts...)
	require.NoError(t, err)
	bus.AssertExpectations(t)
	bus.reset()
	return sensor
}

func TestFXAS21002C_ConfigBytePerRange(t *testing.T) {
	tests := []struct {
		rng      Range
		expected byte
	}{
		{Range250DPS, 0x03},
		{Range500DPS, 0x02},
		{Range1000DPS, 0x01},
		{Range2000DPS, 0x00},
	}
	for _, tt := range tests {
		t.Run(tt.rng.String(), func(t *testing.T) {
			bus := new(MockI2CBus)
			expectWhoAmI(bus, DeviceID)
			var writes [][]byte
			bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).
				Run(func(args mock.Arguments) {
					buf := args.Get(2).([]byte)
					writes = append(writes, append([]byte(nil), buf...))
				}).
				Return(nil).Twice()

			_, err := New(context.Background(), bus, WithRange(tt.rng), WithSettleDelay(time.Millisecond))
			assert.NoError(t, err)
			require.Len(t, writes, 2)
			assert.Equal(t, []byte{regCtrl0, tt.expected}, writes[0])
			assert.Equal(t, []byte{regCtrl1, ctrl1Active}, writes[1])
			bus.AssertExpectations(t)
		})
	}
}

func TestFXAS21002C_DeviceNotFound(t *testing.T) {
	bus := new(MockI2CBus)
	expectWhoAmI(bus, 0xC7)

	_, err := New(context.Background(), bus, WithSettleDelay(time.Millisecond))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Contains(t, ErrDeviceNotFound.Error(), "check wiring")
	// no configuration writes may reach the bus after a failed identity check
	bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
	bus.AssertExpectations(t)
}

func TestFXAS21002C_InvalidRange(t *testing.T) {
	for _, rng := range []Range{0, -250, 300, 4000} {
		bus := new(MockI2CBus)
		_, err := New(context.Background(), bus, WithRange(rng))
		assert.ErrorIs(t, err, ErrInvalidRange)
		// the range is validated before any bus traffic
		bus.AssertNotCalled(t, "TxToAddr", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestFXAS21002C_ConstructionErrors(t *testing.T) {
	tests := []struct {
		name          string
		setupMock     func(*MockI2CBus)
		expectedError string
	}{
		{
			name: "who_am_i read error",
			setupMock: func(bus *MockI2CBus) {
				bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), []byte{regWhoAmI}, mock.Anything).
					Return(nil, errors.New("i2c read failed")).Once()
			},
			expectedError: "fxas21002c: could not read who_am_i register: i2c read failed",
		},
		{
			name: "sensitivity write error",
			setupMock: func(bus *MockI2CBus) {
				expectWhoAmI(bus, DeviceID)
				bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), []byte{regCtrl0, 0x03}).
					Return(errors.New("i2c write failed")).Once()
			},
			expectedError: "fxas21002c: could not set sensitivity: i2c write failed",
		},
		{
			name: "activation write error",
			setupMock: func(bus *MockI2CBus) {
				expectWhoAmI(bus, DeviceID)
				bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), []byte{regCtrl0, 0x03}).
					Return(nil).Once()
				bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), []byte{regCtrl1, ctrl1Active}).
					Return(errors.New("i2c write failed")).Once()
			},
			expectedError: "fxas21002c: could not activate: i2c write failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := new(MockI2CBus)
			tt.setupMock(bus)

			_, err := New(context.Background(), bus, WithSettleDelay(time.Millisecond))
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
			bus.AssertExpectations(t)
		})
	}
}

func TestFXAS21002C_ContextCancelledDuringSettle(t *testing.T) {
	bus := new(MockI2CBus)
	expectWhoAmI(bus, DeviceID)
	bus.On("WriteToAddr", mock.Anything, byte(DefaultAddress), mock.Anything).
		Return(nil).Twice()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ctx, bus, WithSettleDelay(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
	bus.AssertExpectations(t)
}

func TestFXAS21002C_ReadRaw(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := newActiveSensor(t, bus)

	bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), []byte{regStatus | autoIncrement}, mock.Anything).
		Return([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, nil).Once()

	x, y, z, err := sensor.ReadRaw(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint16(0x0102), x)
	assert.Equal(t, uint16(0x0304), y)
	assert.Equal(t, uint16(0x0506), z)
	bus.AssertExpectations(t)
}

func TestFXAS21002C_ReadRaw_BusError(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := newActiveSensor(t, bus)

	bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), mock.Anything, mock.Anything).
		Return(nil, errors.New("transaction aborted")).Once()

	_, _, _, err := sensor.ReadRaw(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fxas21002c: burst read failed: transaction aborted")
	bus.AssertExpectations(t)
}

func TestFXAS21002C_SingleBurstTransaction(t *testing.T) {
	// the configured range must not change the bus protocol, only scaling
	for _, rng := range []Range{Range250DPS, Range500DPS, Range1000DPS, Range2000DPS} {
		t.Run(rng.String(), func(t *testing.T) {
			bus := new(MockI2CBus)
			sensor := newActiveSensor(t, bus, WithRange(rng))

			bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), []byte{regStatus | autoIncrement}, mock.MatchedBy(func(r []byte) bool { return len(r) == 7 })).
				Return([]byte{0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00}, nil).Once()

			_, _, _, err := sensor.ReadRaw(context.Background())
			assert.NoError(t, err)
			bus.AssertNumberOfCalls(t, "TxToAddr", 1)
			bus.AssertNotCalled(t, "WriteToAddr", mock.Anything, mock.Anything, mock.Anything)
			bus.AssertNotCalled(t, "ReadFromAddr", mock.Anything, mock.Anything, mock.Anything)
			bus.AssertExpectations(t)
		})
	}
}

func TestFXAS21002C_ReadScaled(t *testing.T) {
	tests := []struct {
		name     string
		rng      Range
		response []byte
		x, y, z  float64
	}{
		{
			name:     "250dps scales by 0.0078125",
			rng:      Range250DPS,
			response: []byte{0x00, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00},
			x:        2.015625, // 258 * 0.0078125
		},
		{
			name:     "2000dps raw 16 is exactly 1.0",
			rng:      Range2000DPS,
			response: []byte{0x00, 0x00, 0x10, 0x00, 0x10, 0x00, 0x10},
			x:        1.0,
			y:        1.0,
			z:        1.0,
		},
		{
			name:     "500dps scales by 0.015625",
			rng:      Range500DPS,
			response: []byte{0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00},
			x:        1.0, // 64 * 0.015625
		},
		{
			name:     "1000dps scales by 0.03125",
			rng:      Range1000DPS,
			response: []byte{0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00},
			x:        1.0, // 32 * 0.03125
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := new(MockI2CBus)
			sensor := newActiveSensor(t, bus, WithRange(tt.rng))

			bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), mock.Anything, mock.Anything).
				Return(tt.response, nil).Once()

			x, y, z, err := sensor.ReadScaled(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, tt.x, x)
			assert.Equal(t, tt.y, y)
			assert.Equal(t, tt.z, z)
			bus.AssertExpectations(t)
		})
	}
}

func TestRange_RoundTrip(t *testing.T) {
	ranges := []Range{Range250DPS, Range500DPS, Range1000DPS, Range2000DPS}
	seen := make(map[byte]Range, len(ranges))
	for _, rng := range ranges {
		assert.True(t, rng.valid())
		cfg := rng.ctrlReg0()
		prev, dup := seen[cfg]
		assert.False(t, dup, "config byte %#x maps to both %d and %d", cfg, prev, rng)
		seen[cfg] = rng
	}
	assert.Len(t, seen, 4)
	for _, rng := range []Range{0, 125, 750, 4000} {
		assert.False(t, rng.valid())
	}
}

func TestFXAS21002C_CustomAddress(t *testing.T) {
	const altAddress = 0x20
	bus := new(MockI2CBus)
	bus.On("TxToAddr", mock.Anything, byte(altAddress), []byte{regWhoAmI}, mock.Anything).
		Return([]byte{DeviceID}, nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(altAddress), mock.Anything).
		Return(nil).Twice()

	sensor, err := New(context.Background(), bus, WithAddress(altAddress), WithSettleDelay(time.Millisecond))
	require.NoError(t, err)
	bus.reset()

	bus.On("TxToAddr", mock.Anything, byte(altAddress), mock.Anything, mock.Anything).
		Return([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, nil).Once()
	_, _, _, err = sensor.ReadRaw(context.Background())
	assert.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestFXAS21002C_SerializedTransactions(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := newActiveSensor(t, bus)

	const numOps = 8
	bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), mock.Anything, mock.Anything).
		Return([]byte{0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03}, nil).Times(numOps)

	var wg sync.WaitGroup
	wg.Add(numOps)
	for i := 0; i < numOps; i++ {
		go func() {
			defer wg.Done()
			_, _, _, err := sensor.ReadRaw(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&bus.maxConcurrent), int64(1), "scratch buffer must not see concurrent transactions")
	bus.AssertExpectations(t)
}

func TestProbe(t *testing.T) {
	bus := new(MockI2CBus)
	bus.On("TxToAddr", mock.Anything, byte(DefaultAddress), []byte{regWhoAmI}, mock.Anything).
		Return([]byte{DeviceID}, nil).Once()

	id, err := Probe(context.Background(), bus, DefaultAddress)
	assert.NoError(t, err)
	assert.Equal(t, byte(DeviceID), id)
	bus.AssertExpectations(t)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/gophertribe/gyro"
	"github.com/gophertribe/gyro/adapter"
	"github.com/gophertribe/gyro/cmd/gyro/console"
	"github.com/gophertribe/gyro/fxas21002c"
	"github.com/gophertribe/gyro/i2c"
)

func busFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			Value:   "mcp2221",
			Usage:   "bus adapter: mcp2221, generic or nanopi",
		},
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Value:   "/dev/i2c-1",
			Usage:   "i2c device path (generic adapter)",
		},
		&cli.IntFlag{
			Name:  "bus",
			Value: 0,
			Usage: "platform bus number (nanopi adapter)",
		},
		&cli.IntFlag{
			Name:  "address",
			Value: fxas21002c.DefaultAddress,
			Usage: "sensor 7-bit address",
		},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
	}
}

func rangeFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "range",
		Aliases: []string{"r"},
		Value:   250,
		Usage:   "measurement range in dps (250, 500, 1000 or 2000)",
	}
}

// openBus builds the selected bus implementation. The returned cleanup
// function is always safe to call.
func openBus(c *cli.Context) (gyro.I2CBus, func(), error) {
	switch c.String("adapter") {
	case "mcp2221":
		ad := adapter.NewMCP2221()
		if err := ad.Init(); err != nil {
			return nil, func() {}, fmt.Errorf("adapter initialization error: %w", err)
		}
		return ad, func() {}, nil
	case "generic":
		bus, err := i2c.NewGenericBus(c.String("device"))
		if err != nil {
			return nil, func() {}, fmt.Errorf("adapter initialization error: %w", err)
		}
		// FXAS21002C supports fast mode
		if err := bus.SetSpeed(400 * physic.KiloHertz); err != nil {
			_ = bus.Close()
			return nil, func() {}, fmt.Errorf("could not set bus speed: %w", err)
		}
		return bus, func() {
			if err := bus.Close(); err != nil {
				console.Errorf("error closing bus: %s", console.Red(err))
			}
		}, nil
	case "nanopi":
		npi := nanopi.NewNeoAdaptor()
		if err := npi.I2cBusAdaptor.Connect(); err != nil {
			return nil, func() {}, fmt.Errorf("adaptor connect error: %w", err)
		}
		bus := adapter.NewGobotBus(npi, c.Int("bus"))
		return bus, func() {
			_ = bus.Close()
			_ = npi.I2cBusAdaptor.Finalize()
		}, nil
	}
	return nil, func() {}, fmt.Errorf("unknown adapter %q", c.String("adapter"))
}

func newSensor(ctx context.Context, c *cli.Context) (*fxas21002c.FXAS21002C, func(), error) {
	bus, cleanup, err := openBus(c)
	if err != nil {
		return nil, cleanup, err
	}
	s, err := fxas21002c.New(ctx, bus,
		fxas21002c.WithAddress(byte(c.Int("address"))),
		fxas21002c.WithRange(fxas21002c.Range(c.Int("range"))),
	)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return s, cleanup, nil
}

var idCmd = cli.Command{
	Name:  "id",
	Usage: "read the who_am_i identity register",
	Flags: busFlags(),
	Action: func(c *cli.Context) error {
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		bus, cleanup, err := openBus(c)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer cleanup()
		id, err := fxas21002c.Probe(ctx, bus, byte(c.Int("address")))
		if err != nil {
			return console.Exit(1, "error reading identity register: %s", console.Red(err))
		}
		if id == fxas21002c.DeviceID {
			console.Printf("who_am_i: %s (FXAS21002C)\n", console.Green(fmt.Sprintf("%#x", id)))
		} else {
			console.Printf("who_am_i: %s (expected %#x, check wiring)\n", console.Red(fmt.Sprintf("%#x", id)), fxas21002c.DeviceID)
		}
		return nil
	},
}

var readCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"rd"},
	Usage:   "read a single angular rate sample in rad/s",
	Flags:   append(busFlags(), rangeFlag()),
	Action: func(c *cli.Context) error {
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		s, cleanup, err := newSensor(ctx, c)
		if err != nil {
			return console.Exit(1, "sensor initialization error: %s", console.Red(err))
		}
		defer cleanup()
		x, y, z, err := s.ReadScaled(ctx)
		if err != nil {
			return console.Exit(1, "error reading angular rate: %s", console.Red(err))
		}
		printRate(x, y, z)
		return nil
	},
}

var rawCmd = cli.Command{
	Name:  "raw",
	Usage: "read a single raw register sample",
	Flags: append(busFlags(), rangeFlag()),
	Action: func(c *cli.Context) error {
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		s, cleanup, err := newSensor(ctx, c)
		if err != nil {
			return console.Exit(1, "sensor initialization error: %s", console.Red(err))
		}
		defer cleanup()
		x, y, z, err := s.ReadRaw(ctx)
		if err != nil {
			return console.Exit(1, "error reading raw sample: %s", console.Red(err))
		}
		console.Printf("%s x: %s y: %s z: %s\n", console.PictoGyro,
			console.White(fmt.Sprintf("%#06x", x)),
			console.White(fmt.Sprintf("%#06x", y)),
			console.White(fmt.Sprintf("%#06x", z)))
		return nil
	},
}

var monitorCmd = cli.Command{
	Name:  "monitor",
	Usage: "print angular rate samples until interrupted",
	Flags: append(busFlags(), rangeFlag(),
		&cli.DurationFlag{
			Name:  "interval",
			Value: 500 * time.Millisecond,
			Usage: "time between samples",
		}),
	Action: func(c *cli.Context) error {
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		s, cleanup, err := newSensor(ctx, c)
		if err != nil {
			return console.Exit(1, "sensor initialization error: %s", console.Red(err))
		}
		defer cleanup()
		ticker := time.NewTicker(c.Duration("interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				console.PInfof(console.PictoFinish, "monitoring stopped")
				return nil
			case <-ticker.C:
				x, y, z, err := s.ReadScaled(ctx)
				if err != nil {
					return console.Exit(1, "error reading angular rate: %s", console.Red(err))
				}
				printRate(x, y, z)
			}
		}
	},
}

var offsetCmd = cli.Command{
	Name:  "offset",
	Usage: "estimate the zero-rate offset from samples taken at rest",
	Flags: append(busFlags(), rangeFlag(),
		&cli.IntFlag{
			Name:  "samples",
			Value: 100,
			Usage: "number of samples to average",
		}),
	Action: func(c *cli.Context) error {
		answer, err := console.YesOrNo("place the sensor on a stable surface and keep it still; ready?")
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if answer != console.Yes {
			console.PInfof(console.PictoStop, "aborted")
			return nil
		}
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		s, cleanup, err := newSensor(ctx, c)
		if err != nil {
			return console.Exit(1, "sensor initialization error: %s", console.Red(err))
		}
		defer cleanup()
		samples := c.Int("samples")
		var sumX, sumY, sumZ float64
		for i := 0; i < samples; i++ {
			x, y, z, err := s.ReadScaled(ctx)
			if err != nil {
				return console.Exit(1, "error reading angular rate: %s", console.Red(err))
			}
			sumX += x
			sumY += y
			sumZ += z
			// one output period at 100Hz
			time.Sleep(10 * time.Millisecond)
		}
		n := float64(samples)
		console.PInfof(console.PictoPin, "zero-rate offset over %d samples (rad/s):", samples)
		printRate(sumX/n, sumY/n, sumZ/n)
		return nil
	},
}

func printRate(x, y, z float64) {
	console.Printf("%s x: %s y: %s z: %s rad/s\n", console.PictoGyro,
		console.White(fmt.Sprintf("%9.5f", x)),
		console.White(fmt.Sprintf("%9.5f", y)),
		console.White(fmt.Sprintf("%9.5f", z)))
}

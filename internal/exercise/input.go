package exercise

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Input brings the input driver up and logs the device name. Events are
// not read: delivery needs interrupt servicing, which the pipeline does not
// do.
func Input(ctx context.Context, env Env, t virtio.Transport) error {
	env.normalize()
	dev, err := env.Drivers.Input(t)
	if err != nil {
		return &DriverInitError{Class: "input", Err: err}
	}
	env.Logger.Info("virtio-input device", "name", dev.Name())
	return nil
}

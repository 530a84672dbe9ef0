package exercise

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Network brings the net driver up, logs its MAC address and serves
// traffic. What serving means is chosen at build time; see serveNetwork.
func Network(ctx context.Context, env Env, t virtio.Transport) error {
	env.normalize()
	dev, err := env.Drivers.Network(t)
	if err != nil {
		return &DriverInitError{Class: "net", Err: err}
	}
	env.Logger.Info("virtio-net device", "mac", dev.MACAddress().String())
	return serveNetwork(ctx, env, dev)
}

//go:build !netstack

package exercise

import (
	"context"
	"errors"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// serveNetwork polls for one frame and sends it straight back.
func serveNetwork(ctx context.Context, env Env, dev NetDevice) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := dev.Receive()
		if errors.Is(err, virtio.ErrNotReady) {
			env.Clock.Yield()
			continue
		}
		if err != nil {
			return &ExerciseError{Op: "receive", Err: err}
		}

		packet := buf.Packet()
		env.Logger.Info("virtio-net received frame", "len", len(packet))
		if err := dev.Send(packet); err != nil {
			return &ExerciseError{Op: "send", Err: err}
		}
		if err := dev.RecycleRxBuffer(buf); err != nil {
			return &ExerciseError{Op: "recycle rx buffer", Err: err}
		}
		env.Logger.Info("virtio-net test finished")
		return nil
	}
}

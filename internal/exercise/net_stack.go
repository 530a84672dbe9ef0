//go:build netstack

package exercise

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/echo"
)

// serveNetwork hands the device to the TCP echo service.
func serveNetwork(ctx context.Context, env Env, dev NetDevice) error {
	if err := echo.Serve(ctx, dev, env.Echo, env.Logger, env.Clock); err != nil {
		return &ExerciseError{Op: "echo", Err: err}
	}
	return nil
}

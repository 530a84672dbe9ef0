package exercise

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Display draws the test image in the top left corner of the screen,
// flushes and holds the picture for env.HoldDuration.
func Display(ctx context.Context, env Env, t virtio.Transport) error {
	env.normalize()
	dev, err := env.Drivers.Display(t)
	if err != nil {
		return &DriverInitError{Class: "gpu", Err: err}
	}

	width, height, err := dev.Resolution()
	if err != nil {
		return &ExerciseError{Op: "resolution", Err: err}
	}
	env.Logger.Info("GPU resolution", "width", width, "height", height)

	fb, err := dev.SetupFramebuffer()
	if err != nil {
		return &ExerciseError{Op: "setup framebuffer", Err: err}
	}
	drawImage(fb, int(width), int(height), env.Image)

	if err := dev.Flush(); err != nil {
		return &ExerciseError{Op: "flush", Err: err}
	}
	env.Logger.Info("virtio-gpu showing test image", "hold", env.HoldDuration)
	return env.Clock.Hold(ctx, env.HoldDuration)
}

// drawImage copies RGB pixels into a B8G8R8X8 framebuffer of width x
// height. The pad byte of each pixel is left as is.
func drawImage(fb []byte, width, height int, img Image) {
	w := min(width, img.Width)
	h := min(height, img.Height)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := (y*img.Width + x) * 3
			dst := (y*width + x) * 4
			if src+3 > len(img.Pixels) || dst+4 > len(fb) {
				return
			}
			fb[dst+0] = img.Pixels[src+2]
			fb[dst+1] = img.Pixels[src+1]
			fb[dst+2] = img.Pixels[src+0]
		}
	}
}

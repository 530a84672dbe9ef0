package exercise

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// BlockCount is the number of blocks the block routine round-trips.
const BlockCount = 32

// Block writes block i filled with byte i for the first BlockCount blocks
// and reads each one back.
func Block(ctx context.Context, env Env, t virtio.Transport) error {
	env.normalize()
	dev, err := env.Drivers.Block(t)
	if err != nil {
		return &DriverInitError{Class: "block", Err: err}
	}
	return roundTrip(ctx, env, dev)
}

func roundTrip(ctx context.Context, env Env, dev BlockDevice) error {
	in := make([]byte, virtio.SectorSize)
	out := make([]byte, virtio.SectorSize)
	for i := 0; i < BlockCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := uint64(i)
		for j := range in {
			in[j] = byte(i)
		}
		clear(out)
		if err := dev.WriteBlock(idx, in); err != nil {
			return &ExerciseError{Op: "write block", Block: idx, Err: err}
		}
		if err := dev.ReadBlock(idx, out); err != nil {
			return &ExerciseError{Op: "read block", Block: idx, Err: err}
		}
		for j := range in {
			if out[j] != in[j] {
				return &ExerciseError{Op: "verify block", Block: idx, Offset: j, Expected: in[j], Actual: out[j]}
			}
		}
		if env.BlockProgress != nil {
			env.BlockProgress(i+1, BlockCount)
		}
	}
	env.Logger.Info("virtio-blk test finished")
	return nil
}

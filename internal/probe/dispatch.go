package probe

import (
	"context"
	"log/slog"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Device is a probed transport on its way to a routine. The routine owns
// Transport until it returns.
type Device struct {
	Index     int
	Node      *fdt.DeviceNode
	Base      uint64
	Transport virtio.Transport
}

// Routine exercises one device class.
type Routine func(ctx context.Context, dev Device) error

// Dispatcher routes devices to routines by device type.
type Dispatcher struct {
	routines map[virtio.DeviceType]Routine
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{routines: make(map[virtio.DeviceType]Routine), log: log}
}

// Register installs the routine for typ, replacing any earlier one.
func (d *Dispatcher) Register(typ virtio.DeviceType, r Routine) {
	d.routines[typ] = r
}

// Handles reports whether typ has a routine.
func (d *Dispatcher) Handles(typ virtio.DeviceType) bool {
	_, ok := d.routines[typ]
	return ok
}

// Dispatch hands dev to the routine for its type and returns the routine's
// error. Devices of unknown type are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, dev Device) error {
	typ := dev.Transport.DeviceType()
	r, ok := d.routines[typ]
	if !ok {
		d.log.Warn("unrecognized virtio device", "device_type", uint32(typ), "name", typ.String(), "node", dev.Node.Path())
		return nil
	}
	return r(ctx, dev)
}

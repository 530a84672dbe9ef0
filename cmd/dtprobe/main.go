package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/dtprobe/internal/boot"
	"github.com/tinyrange/dtprobe/internal/exercise"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/probe"
	"github.com/tinyrange/dtprobe/internal/sim"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dtprobe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	machinePath := flag.String("machine", "", "Machine description (YAML); default is an 8-slot virt board")
	configPath := flag.String("config", "", "Probe configuration (YAML)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	dumpDTB := flag.String("dump-dtb", "", "Write the generated device tree blob to this path")
	screenshot := flag.String("screenshot", "", "Write the first display's framebuffer to this PNG after the run")
	pcapPath := flag.String("pcap", "", "Record network traffic to this pcap file")
	injectFrame := flag.String("inject-frame", "", "Ethernet frame (hex) queued on the first network device; \"default\" queues a broadcast frame")
	timeout := flag.Duration("timeout", time.Minute, "Abort the run after this long")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot the virtio probe against a simulated machine described by a device tree.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -debug\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -machine board.yaml -screenshot out.png\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -inject-frame default -pcap net.pcap\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		boot.SetLogLevel(slog.LevelDebug)
	}
	log := boot.NewLogger(os.Stderr)

	mcfg := sim.DefaultConfig()
	if *machinePath != "" {
		var err error
		if mcfg, err = sim.LoadConfig(*machinePath); err != nil {
			return err
		}
	}
	cfg := boot.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = boot.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	opts := []sim.Option{sim.WithLogger(log)}
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap: %w", err)
		}
		defer f.Close()
		opts = append(opts, sim.WithCapture(f))
	}

	m, err := sim.New(mcfg, opts...)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	defer m.Close()

	if *dumpDTB != "" {
		if err := os.WriteFile(*dumpDTB, m.DeviceTree(), 0o644); err != nil {
			return fmt.Errorf("dump device tree: %w", err)
		}
	}

	if *injectFrame != "" {
		frame, err := parseFrame(*injectFrame)
		if err != nil {
			return err
		}
		base, ok := firstDevice(mcfg, sim.KindNet)
		if !ok {
			return fmt.Errorf("-inject-frame: machine has no network device")
		}
		if err := m.InjectFrame(base, frame); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	env := boot.Env{
		Env:      m.Env(hw.SystemClock{}),
		Logger:   log,
		BlobAddr: mcfg.RAM.Base,
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(exercise.BlockCount, "virtio-blk")
		env.BlockProgress = func(done, total int) {
			bar.Set(done)
			if done == total {
				bar.Finish()
			}
		}
	}

	report, runErr := boot.Run(ctx, m.DeviceTree(), env, cfg)

	if *screenshot != "" {
		if err := writeScreenshot(m, mcfg, *screenshot); err != nil {
			return err
		}
	}

	printSummary(os.Stdout, report)

	var fatal *boot.FatalError
	if errors.As(runErr, &fatal) {
		return fmt.Errorf("halted: %w", runErr)
	}
	return runErr
}

// defaultFrame is a broadcast Ethernet frame with an experimental ethertype.
func defaultFrame() []byte {
	frame := make([]byte, 60)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x99})
	frame[12], frame[13] = 0x88, 0xb5
	copy(frame[14:], "dtprobe")
	return frame
}

func parseFrame(s string) ([]byte, error) {
	if s == "default" {
		return defaultFrame(), nil
	}
	frame, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("-inject-frame: %w", err)
	}
	if len(frame) < 14 {
		return nil, fmt.Errorf("-inject-frame: %d bytes is shorter than an Ethernet header", len(frame))
	}
	return frame, nil
}

func firstDevice(cfg sim.Config, kind string) (uint64, bool) {
	for _, d := range cfg.Devices {
		if d.Kind == kind {
			return d.Base, true
		}
	}
	return 0, false
}

func writeScreenshot(m *sim.Machine, cfg sim.Config, path string) error {
	base, ok := firstDevice(cfg, sim.KindGPU)
	if !ok {
		return fmt.Errorf("-screenshot: machine has no display")
	}
	img, err := m.Screenshot(base)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create screenshot: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode screenshot: %w", err)
	}
	return f.Close()
}

var (
	styleHeader = ansi.Style{}.Bold()
	styleOK     = ansi.Style{}.ForegroundColor(ansi.Green)
	styleSkip   = ansi.Style{}.ForegroundColor(ansi.Yellow)
	styleFail   = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
)

func resultStatus(r probe.Result) string {
	switch {
	case r.Fatal():
		return styleFail.Styled("FAIL")
	case r.Err != nil:
		return styleSkip.Styled("no transport")
	case r.Handled:
		return styleOK.Styled("ok")
	case r.Type == virtio.DeviceTypeInvalid:
		return styleSkip.Styled("empty")
	}
	return styleSkip.Styled("unhandled")
}

// printSummary writes one row per candidate node. Cells are padded by
// display width so styled text stays aligned.
func printSummary(w io.Writer, report probe.Report) {
	rows := [][]string{{
		styleHeader.Styled("#"),
		styleHeader.Styled("node"),
		styleHeader.Styled("base"),
		styleHeader.Styled("type"),
		styleHeader.Styled("status"),
	}}
	for _, r := range report.Results {
		rows = append(rows, []string{
			fmt.Sprint(r.Index),
			r.Node,
			fmt.Sprintf("%#x", r.Base),
			r.Type.String(),
			resultStatus(r),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var sb strings.Builder
		for i, cell := range row {
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	if report.Stopped {
		fmt.Fprintln(w, styleFail.Styled("run stopped at the first fatal device"))
	}
}

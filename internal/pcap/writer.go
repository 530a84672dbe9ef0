// Package pcap records ethernet frames in the classic libpcap file format.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT_EN10MB link type.
const LinkTypeEthernet uint32 = 1

const (
	magicMicroseconds = 0xa1b2c3d4
	fileHeaderSize    = 24
	recordHeaderSize  = 16

	// DefaultSnapLen captures full frames up to a jumbo MTU.
	DefaultSnapLen = 9216
)

// ErrBadMagic is returned by Read for streams that are not little-endian
// microsecond pcap files.
var ErrBadMagic = errors.New("pcap: not a little-endian microsecond capture")

// Recorder appends frames to a pcap stream. The file header is written
// before the first frame. Recorder is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	started bool
	frames  int
}

// NewRecorder writes frames to w, truncating each to snapLen bytes.
func NewRecorder(w io.Writer, snapLen uint32) *Recorder {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	return &Recorder{w: w, snapLen: snapLen, now: time.Now}
}

func (r *Recorder) writeFileHeader() error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], r.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := r.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}
	r.started = true
	return nil
}

// Record appends one frame stamped with the current time.
func (r *Recorder) Record(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		if err := r.writeFileHeader(); err != nil {
			return err
		}
	}

	captured := frame
	if uint32(len(captured)) > r.snapLen {
		captured = captured[:r.snapLen]
	}
	ts := r.now()

	var rec [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := r.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := r.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	r.frames++
	return nil
}

// Frames returns the number of frames recorded so far.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Frame is one record read back from a capture.
type Frame struct {
	Timestamp time.Time
	Length    int
	Data      []byte
}

// Read decodes a capture written by Recorder.
func Read(rd io.Reader) ([]Frame, error) {
	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magicMicroseconds {
		return nil, ErrBadMagic
	}
	if link := binary.LittleEndian.Uint32(hdr[20:24]); link != LinkTypeEthernet {
		return nil, fmt.Errorf("pcap: unsupported link type %d", link)
	}
	snapLen := binary.LittleEndian.Uint32(hdr[16:20])

	var frames []Frame
	for {
		var rec [recordHeaderSize]byte
		if _, err := io.ReadFull(rd, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("pcap: read record header: %w", err)
		}
		capLen := binary.LittleEndian.Uint32(rec[8:12])
		if capLen > snapLen {
			return frames, fmt.Errorf("pcap: record of %d bytes exceeds snap length %d", capLen, snapLen)
		}
		data := make([]byte, capLen)
		if _, err := io.ReadFull(rd, data); err != nil {
			return frames, fmt.Errorf("pcap: read frame: %w", err)
		}
		frames = append(frames, Frame{
			Timestamp: time.Unix(int64(binary.LittleEndian.Uint32(rec[0:4])), int64(binary.LittleEndian.Uint32(rec[4:8]))*1_000),
			Length:    int(binary.LittleEndian.Uint32(rec[12:16])),
			Data:      data,
		})
	}
}

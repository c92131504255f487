package replay

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/runledger/internal/domain"
)

// Decoder reads a replay buffer section by section so callers can validate
// the header before paying for the body.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a decoder positioned at the start of buf
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Decode reads an entire replay
func Decode(buf []byte) (*Replay, error) {
	d := NewDecoder(buf)
	h, err := d.ReadHeader()
	if err != nil {
		return nil, err
	}
	stats, zones, err := d.ReadStats()
	if err != nil {
		return nil, err
	}
	frames, err := d.ReadFrames(h)
	if err != nil {
		return nil, err
	}
	return &Replay{Header: *h, Stats: stats, ZoneStats: zones, Frames: frames}, nil
}

// ReadHeader reads the header block
func (d *Decoder) ReadHeader() (*Header, error) {
	var h Header
	var err error

	if h.Magic, err = d.u32("magic"); err != nil {
		return nil, err
	}
	if h.Version, err = d.u8("version"); err != nil {
		return nil, err
	}
	if h.MapName, err = d.str("map name"); err != nil {
		return nil, err
	}
	hash, err := d.raw("map hash", HashSize)
	if err != nil {
		return nil, err
	}
	copy(h.MapHash[:], hash)
	if h.PlayerName, err = d.str("player name"); err != nil {
		return nil, err
	}
	if h.SteamID, err = d.u64("steam id"); err != nil {
		return nil, err
	}
	if h.TickRate, err = d.f32("tick rate"); err != nil {
		return nil, err
	}
	if h.RunFlags, err = d.u32("run flags"); err != nil {
		return nil, err
	}
	if h.RunDate, err = d.str("run date"); err != nil {
		return nil, err
	}
	start, err := d.u32("start tick")
	if err != nil {
		return nil, err
	}
	h.StartTick = int32(start)
	stop, err := d.u32("stop tick")
	if err != nil {
		return nil, err
	}
	h.StopTick = int32(stop)
	if h.TrackNum, err = d.u8("track number"); err != nil {
		return nil, err
	}
	if h.ZoneNum, err = d.u8("zone number"); err != nil {
		return nil, err
	}
	return &h, nil
}

// ReadStats reads the overall stats record followed by the per-zone records
func (d *Decoder) ReadStats() (domain.RunStats, []domain.RunStats, error) {
	overall, err := d.stats("overall stats")
	if err != nil {
		return domain.RunStats{}, nil, err
	}
	n, err := d.u8("zone stats count")
	if err != nil {
		return domain.RunStats{}, nil, err
	}
	zones := make([]domain.RunStats, 0, n)
	for i := 0; i < int(n); i++ {
		z, err := d.stats(fmt.Sprintf("zone %d stats", i+1))
		if err != nil {
			return domain.RunStats{}, nil, err
		}
		zones = append(zones, z)
	}
	return overall, zones, nil
}

// ReadFrames reads the frame block. The timed window of h must lie within
// the recorded frames, and at most MaxTrailingFrames may follow it.
func (d *Decoder) ReadFrames(h *Header) ([]Frame, error) {
	count, err := d.u32("frame count")
	if err != nil {
		return nil, err
	}
	if h.StartTick < 0 || int64(count) < int64(h.StopTick) {
		return nil, fmt.Errorf("%w: %d frames cannot hold ticks %d..%d", ErrTruncated, count, h.StartTick, h.StopTick)
	}
	if trailing := int64(count) - int64(h.StopTick); trailing > MaxTrailingFrames {
		return nil, fmt.Errorf("%w: %d frames after stop tick %d, at most %d allowed", ErrExcessFrames, trailing, h.StopTick, MaxTrailingFrames)
	}
	if remaining := len(d.buf) - d.off; int64(remaining) < int64(count)*FrameSize {
		return nil, fmt.Errorf("%w: frame block needs %d bytes, %d left", ErrTruncated, int64(count)*FrameSize, remaining)
	}

	frames := make([]Frame, count)
	for i := range frames {
		f := &frames[i]
		for j := 0; j < 3; j++ {
			f.EyeAngles[j], _ = d.f32("eye angle")
		}
		for j := 0; j < 3; j++ {
			f.Position[j], _ = d.f32("position")
		}
		f.ViewOffset, _ = d.f32("view offset")
		f.Buttons, _ = d.u32("buttons")
	}
	return frames, nil
}

func (d *Decoder) stats(what string) (domain.RunStats, error) {
	raw, err := d.raw(what, StatsSize)
	if err != nil {
		return domain.RunStats{}, err
	}
	le := binary.LittleEndian
	f := func(i int) float32 { return math.Float32frombits(le.Uint32(raw[8+4*i:])) }
	return domain.RunStats{
		Jumps:          le.Uint32(raw[0:]),
		Strafes:        le.Uint32(raw[4:]),
		AvgStrafeSync:  f(0),
		AvgStrafeSync2: f(1),
		EnterTime:      f(2),
		TotalTime:      f(3),
		VelMax3D:       f(4),
		VelMax2D:       f(5),
		VelAvg3D:       f(6),
		VelAvg2D:       f(7),
		VelEnter3D:     f(8),
		VelEnter2D:     f(9),
		VelExit3D:      f(10),
		VelExit2D:      f(11),
	}, nil
}

func (d *Decoder) raw(what string, n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, fmt.Errorf("%w: reading %s at offset %d", ErrTruncated, what, d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) u8(what string) (uint8, error) {
	b, err := d.raw(what, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) u16(what string) (uint16, error) {
	b, err := d.raw(what, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) u32(what string) (uint32, error) {
	b, err := d.raw(what, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) u64(what string) (uint64, error) {
	b, err := d.raw(what, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) f32(what string) (float32, error) {
	v, err := d.u32(what)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (d *Decoder) str(what string) (string, error) {
	n, err := d.u16(what + " length")
	if err != nil {
		return "", err
	}
	b, err := d.raw(what, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Package replay reads and writes the binary replay format submitted at the
// end of a run session.
//
// All integers are little-endian. Strings are a uint16 byte length followed
// by the bytes. The layout is header, overall stats, a uint8 count of zone
// stats records, the zone stats, a uint32 frame count and the frames.
package replay

import (
	"encoding/hex"
	"errors"

	"github.com/runledger/internal/domain"
)

const (
	// Magic opens every replay ("MMOR" read little-endian)
	Magic uint32 = 0x524F4D4D

	// Version is the only format version this package reads
	Version uint8 = 1

	// HashSize is the length of the raw SHA-1 map digest
	HashSize = 20

	// StatsSize is the encoded size of one stats record
	StatsSize = 2*4 + 12*4

	// FrameSize is the encoded size of one per-tick frame
	FrameSize = 3*4 + 3*4 + 4 + 4

	// MaxTrailingFrames bounds the frames a replay may record after its stop
	// tick, about ten seconds at the fastest supported tick rate
	MaxTrailingFrames = 1024
)

var (
	// ErrTruncated is wrapped by every decode failure caused by running out of bytes
	ErrTruncated = errors.New("replay truncated")
	// ErrExcessFrames is wrapped when the frame block runs too far past the stop tick
	ErrExcessFrames = errors.New("replay has excess frames")
)

// Header is the fixed leading block of a replay
type Header struct {
	Magic      uint32
	Version    uint8
	MapName    string
	MapHash    [HashSize]byte
	PlayerName string
	SteamID    uint64
	TickRate   float32
	RunFlags   uint32
	RunDate    string
	StartTick  int32
	StopTick   int32
	TrackNum   uint8
	ZoneNum    uint8
}

// Consistent reports whether the header describes a format this decoder
// understands.
func (h *Header) Consistent() bool {
	return h.Version == Version
}

// Ticks is the length of the timed window
func (h *Header) Ticks() int64 {
	return int64(h.StopTick) - int64(h.StartTick)
}

// MapHashHex returns the map digest in lower-case hex
func (h *Header) MapHashHex() string {
	return hex.EncodeToString(h.MapHash[:])
}

// Frame is one recorded simulation tick
type Frame struct {
	EyeAngles  [3]float32
	Position   [3]float32
	ViewOffset float32
	Buttons    uint32
}

// Replay is a fully decoded replay file
type Replay struct {
	Header    Header
	Stats     domain.RunStats
	ZoneStats []domain.RunStats
	Frames    []Frame
}

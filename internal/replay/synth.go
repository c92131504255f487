package replay

import (
	"strconv"
	"time"

	"github.com/runledger/internal/domain"
)

// SynthOptions describes a generated replay
type SynthOptions struct {
	MapName    string
	MapHash    [HashSize]byte
	PlayerName string
	SteamID    uint64
	TickRate   float32
	TrackNum   uint8
	ZoneNum    uint8
	// Ticks is the timed window; PreTicks frames are recorded before it
	Ticks    int32
	PreTicks int32
	// Zones is the number of per-zone stats records to emit
	Zones   int
	RunDate time.Time
}

// Synthesize builds an internally consistent replay: the frame block covers
// the timed window and the movement stats stay well below the tick count.
func Synthesize(o SynthOptions) *Replay {
	frameCount := o.PreTicks + o.Ticks
	r := &Replay{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			MapName:    o.MapName,
			MapHash:    o.MapHash,
			PlayerName: o.PlayerName,
			SteamID:    o.SteamID,
			TickRate:   o.TickRate,
			RunDate:    strconv.FormatInt(o.RunDate.UnixMilli(), 10),
			StartTick:  o.PreTicks,
			StopTick:   frameCount,
			TrackNum:   o.TrackNum,
			ZoneNum:    o.ZoneNum,
		},
		Stats:  synthStats(o.Ticks, o.TickRate),
		Frames: make([]Frame, frameCount),
	}

	if o.Zones > 0 {
		per := o.Ticks / int32(o.Zones)
		for i := 0; i < o.Zones; i++ {
			r.ZoneStats = append(r.ZoneStats, synthStats(per, o.TickRate))
		}
	}

	for i := range r.Frames {
		f := &r.Frames[i]
		f.Position = [3]float32{float32(i) * 2.5, 0, 64}
		f.EyeAngles = [3]float32{0, float32(i % 360), 0}
		f.ViewOffset = 64
		if i%50 == 0 {
			f.Buttons = 1 << 1
		}
	}
	return r
}

func synthStats(ticks int32, tickRate float32) domain.RunStats {
	return domain.RunStats{
		Jumps:          uint32(ticks / 100),
		Strafes:        uint32(ticks / 50),
		AvgStrafeSync:  72.5,
		AvgStrafeSync2: 68.1,
		TotalTime:      float32(ticks) * tickRate,
		VelMax3D:       1200,
		VelMax2D:       1150,
		VelAvg3D:       640,
		VelAvg2D:       610,
		VelEnter3D:     290,
		VelEnter2D:     290,
		VelExit3D:      900,
		VelExit2D:      880,
	}
}

package replay

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/runledger/internal/domain"
)

// Encode serialises r. It fails only when a string or a count does not fit
// its length prefix.
func Encode(r *Replay) ([]byte, error) {
	if len(r.ZoneStats) > math.MaxUint8 {
		return nil, fmt.Errorf("encoding replay: %d zone stats records exceed %d", len(r.ZoneStats), math.MaxUint8)
	}

	buf := make([]byte, 0, 256+len(r.Frames)*FrameSize+(len(r.ZoneStats)+1)*StatsSize)
	buf, err := AppendHeader(buf, &r.Header)
	if err != nil {
		return nil, err
	}

	buf = appendStats(buf, &r.Stats)
	buf = append(buf, uint8(len(r.ZoneStats)))
	for i := range r.ZoneStats {
		buf = appendStats(buf, &r.ZoneStats[i])
	}

	le := binary.LittleEndian
	buf = le.AppendUint32(buf, uint32(len(r.Frames)))
	for _, f := range r.Frames {
		for _, v := range f.EyeAngles {
			buf = le.AppendUint32(buf, math.Float32bits(v))
		}
		for _, v := range f.Position {
			buf = le.AppendUint32(buf, math.Float32bits(v))
		}
		buf = le.AppendUint32(buf, math.Float32bits(f.ViewOffset))
		buf = le.AppendUint32(buf, f.Buttons)
	}
	return buf, nil
}

// AppendHeader appends the encoded header to buf
func AppendHeader(buf []byte, h *Header) ([]byte, error) {
	le := binary.LittleEndian
	var err error

	buf = le.AppendUint32(buf, h.Magic)
	buf = append(buf, h.Version)
	if buf, err = appendString(buf, "map name", h.MapName); err != nil {
		return nil, err
	}
	buf = append(buf, h.MapHash[:]...)
	if buf, err = appendString(buf, "player name", h.PlayerName); err != nil {
		return nil, err
	}
	buf = le.AppendUint64(buf, h.SteamID)
	buf = le.AppendUint32(buf, math.Float32bits(h.TickRate))
	buf = le.AppendUint32(buf, h.RunFlags)
	if buf, err = appendString(buf, "run date", h.RunDate); err != nil {
		return nil, err
	}
	buf = le.AppendUint32(buf, uint32(h.StartTick))
	buf = le.AppendUint32(buf, uint32(h.StopTick))
	buf = append(buf, h.TrackNum, h.ZoneNum)
	return buf, nil
}

func appendString(buf []byte, what, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("encoding %s: %d bytes exceed length prefix", what, len(s))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendStats(buf []byte, s *domain.RunStats) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, s.Jumps)
	buf = le.AppendUint32(buf, s.Strafes)
	for _, v := range []float32{
		s.AvgStrafeSync, s.AvgStrafeSync2, s.EnterTime, s.TotalTime,
		s.VelMax3D, s.VelMax2D, s.VelAvg3D, s.VelAvg2D,
		s.VelEnter3D, s.VelEnter2D, s.VelExit3D, s.VelExit2D,
	} {
		buf = le.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

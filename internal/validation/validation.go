// Package validation decides whether a submitted replay is an acceptable
// completion of a run session.
//
// Validate is a pure function of its input: rules run in a fixed order and
// the first violated rule is the rejection returned.
package validation

import (
	"math"
	"strconv"
	"time"

	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/replay"
)

// Rules holds the acceptance parameters that do not vary per submission
type Rules struct {
	SupportedModes  map[domain.GameMode]bool
	TickRates       map[domain.GameMode]float64
	TickRateEpsilon float64
}

// NewRules builds Rules from configuration
func NewRules(cfg config.RunConfig) Rules {
	r := Rules{
		SupportedModes:  make(map[domain.GameMode]bool, len(cfg.SupportedModes)),
		TickRates:       make(map[domain.GameMode]float64, len(cfg.TickRates)),
		TickRateEpsilon: cfg.TickRateEpsilon,
	}
	for _, m := range cfg.SupportedModes {
		r.SupportedModes[domain.GameMode(m)] = true
	}
	for m, rate := range cfg.TickRates {
		r.TickRates[domain.GameMode(m)] = rate
	}
	return r
}

// Input is everything a single validation needs
type Input struct {
	Replay    []byte
	Session   domain.Session
	Map       domain.MapInfo
	Track     domain.MapTrack
	Submitter domain.User
	Now       time.Time
}

// Validate checks in against every rule and returns the normalised run
func (r Rules) Validate(in Input) (*domain.ProcessedRun, error) {
	if err := CheckTimestamps(&in.Session, in.Track); err != nil {
		return nil, err
	}

	// a structurally broken buffer is rejected before any header rule runs
	dec := replay.NewDecoder(in.Replay)
	header, err := dec.ReadHeader()
	if err != nil {
		return nil, domain.Reject(domain.ReasonBadReplayFile, "reading header: %v", err)
	}
	stats, zoneStats, err := dec.ReadStats()
	if err != nil {
		return nil, domain.Reject(domain.ReasonBadReplayFile, "reading stats: %v", err)
	}
	if _, err := dec.ReadFrames(header); err != nil {
		return nil, domain.Reject(domain.ReasonBadReplayFile, "reading frames: %v", err)
	}

	hc := &headerContext{in: &in, rules: &r, header: header}
	for _, check := range headerChecks {
		if err := check(hc); err != nil {
			return nil, err
		}
	}

	ticks := header.Ticks()
	if int64(stats.Jumps) >= ticks || int64(stats.Strafes) >= ticks {
		return nil, domain.Reject(domain.ReasonFuckyBehaviour,
			"%d jumps and %d strafes in %d ticks", stats.Jumps, stats.Strafes, ticks)
	}

	return &domain.ProcessedRun{
		UserID:    in.Submitter.ID,
		MapID:     in.Map.ID,
		GameMode:  in.Map.GameMode,
		TrackNum:  in.Session.TrackNum,
		ZoneNum:   in.Session.ZoneNum,
		Ticks:     ticks,
		TickRate:  hc.tickRate,
		Flags:     header.RunFlags,
		Time:      hc.runTime,
		Stats:     stats,
		ZoneStats: zoneStats,
	}, nil
}

// CheckTimestamps verifies the zone crossings recorded during the session fit
// the shape of the track. It runs before any replay bytes are read.
func CheckTimestamps(s *domain.Session, track domain.MapTrack) error {
	if !s.IsFullTrack() {
		if len(s.Timestamps) > 0 {
			return domain.Reject(domain.ReasonBadTimestamps, "single-zone run has %d timestamps", len(s.Timestamps))
		}
		return nil
	}

	want := track.NumZones - 1
	if len(s.Timestamps) != want && !(track.NumZones == 1 && len(s.Timestamps) == 0) {
		return domain.Reject(domain.ReasonBadTimestamps,
			"track with %d zones needs %d timestamps, got %d", track.NumZones, want, len(s.Timestamps))
	}

	sorted := s.SortedTimestamps()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Tick <= sorted[i-1].Tick {
			return domain.Reject(domain.ReasonBadTimestamps,
				"zone %d tick %d does not follow zone %d tick %d",
				sorted[i].Zone, sorted[i].Tick, sorted[i-1].Zone, sorted[i-1].Tick)
		}
	}
	return nil
}

type headerContext struct {
	in     *Input
	rules  *Rules
	header *replay.Header

	// filled in by the tick rate check and read by later checks
	tickRate float64
	runTime  float64
}

type headerCheck func(*headerContext) error

var headerChecks = []headerCheck{
	func(c *headerContext) error {
		if !c.header.Consistent() {
			return domain.Reject(domain.ReasonBadReplayFile, "unsupported format version %d", c.header.Version)
		}
		return nil
	},
	func(c *headerContext) error {
		if int(c.header.TrackNum) != c.in.Session.TrackNum {
			return domain.Reject(domain.ReasonBadMeta, "track %d, session is on track %d", c.header.TrackNum, c.in.Session.TrackNum)
		}
		return nil
	},
	func(c *headerContext) error {
		if c.header.Magic != replay.Magic {
			return domain.Reject(domain.ReasonBadMeta, "bad magic %#x", c.header.Magic)
		}
		return nil
	},
	func(c *headerContext) error {
		if c.header.SteamID != c.in.Submitter.SteamID {
			return domain.Reject(domain.ReasonBadMeta, "replay recorded by another player")
		}
		return nil
	},
	func(c *headerContext) error {
		if c.header.MapHashHex() != c.in.Map.Hash {
			return domain.Reject(domain.ReasonBadMeta, "map hash mismatch")
		}
		return nil
	},
	func(c *headerContext) error {
		if c.header.MapName != c.in.Map.Name {
			return domain.Reject(domain.ReasonBadMeta, "map name %q, expected %q", c.header.MapName, c.in.Map.Name)
		}
		return nil
	},
	func(c *headerContext) error {
		if c.header.Ticks() <= 0 {
			return domain.Reject(domain.ReasonBadTimestamps, "stop tick %d not after start tick %d", c.header.StopTick, c.header.StartTick)
		}
		return nil
	},
	func(c *headerContext) error {
		if int(c.header.ZoneNum) != c.in.Session.ZoneNum {
			return domain.Reject(domain.ReasonBadMeta, "zone %d, session is on zone %d", c.header.ZoneNum, c.in.Session.ZoneNum)
		}
		return nil
	},
	// Reserved for style support; only unstyled runs are accepted
	func(c *headerContext) error {
		if c.header.RunFlags != 0 {
			return domain.Reject(domain.ReasonBadMeta, "run flags %#x not supported", c.header.RunFlags)
		}
		return nil
	},
	func(c *headerContext) error {
		date, err := strconv.ParseFloat(c.header.RunDate, 64)
		if err != nil || math.IsNaN(date) {
			return domain.Reject(domain.ReasonBadReplayFile, "unparseable run date %q", c.header.RunDate)
		}
		if date > float64(c.in.Now.UnixMilli()) {
			return domain.Reject(domain.ReasonOutOfSync, "run date is in the future")
		}
		return nil
	},
	checkTickRate,
	func(c *headerContext) error {
		elapsed := float64(c.in.Now.Sub(c.in.Session.CreatedAt).Milliseconds())
		if elapsed < c.runTime*1000 {
			return domain.Reject(domain.ReasonOutOfSync,
				"run claims %.3fs but session started %.3fs ago", c.runTime, elapsed/1000)
		}
		return nil
	},
	func(c *headerContext) error {
		if !c.rules.SupportedModes[c.in.Map.GameMode] {
			return domain.Reject(domain.ReasonUnsupportedMode, "mode %q", c.in.Map.GameMode)
		}
		return nil
	},
}

// checkTickRate compares the declared tick rate with the mode's canonical
// rate. Modes without a known rate are left for the mode check to refuse.
func checkTickRate(c *headerContext) error {
	declared := float64(c.header.TickRate)
	canonical, ok := c.rules.TickRates[c.in.Map.GameMode]
	if !ok {
		canonical = declared
	} else if math.Abs(declared-canonical) > c.rules.TickRateEpsilon {
		return domain.Reject(domain.ReasonOutOfSync, "tick rate %g, expected %g", declared, canonical)
	}
	c.tickRate = canonical
	c.runTime = float64(c.header.Ticks()) * canonical
	return nil
}

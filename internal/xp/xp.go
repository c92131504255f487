// Package xp computes rank XP for leaderboard positions, cosmetic XP for
// completions and the level curve cosmetic XP feeds into.
//
// A System is built once from configuration and is safe for concurrent use;
// nothing in it changes after New returns.
package xp

import (
	"math"

	"github.com/runledger/internal/config"
)

// System evaluates both XP formulas for one fixed configuration
type System struct {
	rank       config.RankXPConfig
	cosmetic   config.CosmeticXPConfig
	thresholds []int64
}

// New precomputes the level table for cfg. cfg must have passed Validate.
func New(cfg config.XPConfig) *System {
	s := &System{
		rank:     cfg.RankXP,
		cosmetic: cfg.CosmeticXP,
	}
	s.thresholds = s.buildThresholds()
	return s
}

// RankXP returns the points held by the given rank on a leaderboard of
// totalCompetitors entries.
func (s *System) RankXP(rank, totalCompetitors int) int {
	if rank < 1 {
		return 0
	}

	formula := int(math.Ceil(s.rank.Formula.A / (float64(rank) + s.rank.Formula.B)))

	if rank <= 10 {
		top10 := int(math.Ceil(s.rank.Top10.RankPercentages[rank-1] * s.rank.Top10.WRPoints))
		return formula + top10
	}

	return formula + s.groupPoints(rank, totalCompetitors)
}

// groupPoints walks the rank bands that start at 11. A rank past every band
// earns nothing here.
func (s *System) groupPoints(rank, totalCompetitors int) int {
	g := s.rank.Groups
	offset := 11.0
	r := float64(rank)
	for i := 0; i < g.MaxGroups; i++ {
		size := math.Max(
			g.GroupScaleFactors[i]*math.Pow(float64(totalCompetitors), g.GroupExponents[i]),
			g.GroupMinSizes[i],
		)
		if r >= offset && r < offset+size {
			return int(math.Ceil(s.rank.Top10.WRPoints * g.GroupPointPcts[i]))
		}
		offset += size
	}
	return 0
}

// Completion describes one accepted run for cosmetic XP purposes
type Completion struct {
	Tier         int
	IsLinear     bool
	IsBonus      bool
	IsUnique     bool
	IsSingleZone bool
}

func tierScale(tier int) float64 {
	t := float64(tier)
	return t*t - t + 10
}

// CosmeticXP returns the XP awarded for a completion
func (s *System) CosmeticXP(c Completion) int64 {
	unique := s.cosmetic.Completions.Unique.TierScale
	repeat := s.cosmetic.Completions.Repeat.TierScale

	if c.IsBonus {
		base := (unique.Linear*tierScale(3) + unique.Linear*tierScale(4)) / 2
		if c.IsUnique {
			return int64(math.Ceil(base))
		}
		return int64(math.Ceil(base / repeat.Bonus))
	}

	scale := unique.Staged
	if c.IsLinear {
		scale = unique.Linear
	}
	base := scale * tierScale(c.Tier)

	// An IL is always treated as a repeat of a staged track
	if c.IsSingleZone {
		return int64(math.Ceil(base / (repeat.Staged * repeat.Stages)))
	}
	if c.IsUnique {
		return int64(math.Ceil(base))
	}
	divisor := repeat.Staged
	if c.IsLinear {
		divisor = repeat.Linear
	}
	return int64(math.Ceil(base / divisor))
}

package xp

import "math"

// MaxLevel is the highest reachable level
func (s *System) MaxLevel() int {
	return s.cosmetic.MaxLevels
}

// XPInLevel returns the XP needed to go from level to level+1
func (s *System) XPInLevel(level int) int64 {
	c := s.cosmetic
	if level < c.StaticScaleStart {
		l := float64(level)
		return int64(math.Ceil(c.StartingValue +
			c.LinearScaleBaseIncrease*l*(c.LinearScaleIntervalMultiplier*math.Ceil(l/c.LinearScaleInterval))))
	}
	last := float64(s.XPInLevel(c.StaticScaleStart - 1))
	steps := math.Floor(float64(level-c.StaticScaleStart) / c.StaticScaleInterval)
	return int64(math.Ceil(last * (c.StaticScaleBaseMultiplier + steps*c.StaticScaleIntervalMultiplier)))
}

// TotalXPForLevel returns the cumulative XP at which level is entered, or -1
// for levels outside 1..MaxLevel.
func (s *System) TotalXPForLevel(level int) int64 {
	if level < 1 || level > s.cosmetic.MaxLevels {
		return -1
	}
	return s.thresholds[level]
}

func (s *System) buildThresholds() []int64 {
	maxLevel := s.cosmetic.MaxLevels
	t := make([]int64, maxLevel+1)
	for l := 2; l <= maxLevel; l++ {
		t[l] = t[l-1] + s.XPInLevel(l-1)
	}
	return t
}

// LevelsGained returns how many levels a user at level with xp total XP gains
// by earning gained more.
func (s *System) LevelsGained(level int, xp, gained int64) int {
	if level < 1 {
		level = 1
	}
	total := xp + gained
	next := level
	for next < s.cosmetic.MaxLevels && total >= s.thresholds[next+1] {
		next++
	}
	return next - level
}

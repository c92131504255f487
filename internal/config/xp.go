package config

import "fmt"

// XPConfig holds the parameters of both XP systems. It is read once at
// startup and handed to xp.New.
type XPConfig struct {
	RankXP     RankXPConfig     `yaml:"rank_xp"`
	CosmeticXP CosmeticXPConfig `yaml:"cosmetic_xp"`
}

// RankXPConfig parameterises leaderboard position XP
type RankXPConfig struct {
	Top10   Top10Config   `yaml:"top10"`
	Formula FormulaConfig `yaml:"formula"`
	Groups  GroupsConfig  `yaml:"groups"`
}

// Top10Config awards a share of WRPoints to ranks 1 through 10
type Top10Config struct {
	WRPoints        float64   `yaml:"wr_points"`
	RankPercentages []float64 `yaml:"rank_percentages"`
}

// FormulaConfig is the ceil(A / (rank + B)) term every rank receives
type FormulaConfig struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
}

// GroupsConfig sizes the bands that ranks past 10 fall into
type GroupsConfig struct {
	MaxGroups         int       `yaml:"max_groups"`
	GroupScaleFactors []float64 `yaml:"group_scale_factors"`
	GroupExponents    []float64 `yaml:"group_exponents"`
	GroupMinSizes     []float64 `yaml:"group_min_sizes"`
	GroupPointPcts    []float64 `yaml:"group_point_pcts"`
}

// CosmeticXPConfig parameterises completion XP and the level curve
type CosmeticXPConfig struct {
	MaxLevels                     int               `yaml:"max_levels"`
	StartingValue                 float64           `yaml:"starting_value"`
	LinearScaleBaseIncrease       float64           `yaml:"linear_scale_base_increase"`
	LinearScaleInterval           float64           `yaml:"linear_scale_interval"`
	LinearScaleIntervalMultiplier float64           `yaml:"linear_scale_interval_multiplier"`
	StaticScaleStart              int               `yaml:"static_scale_start"`
	StaticScaleBaseMultiplier     float64           `yaml:"static_scale_base_multiplier"`
	StaticScaleInterval           float64           `yaml:"static_scale_interval"`
	StaticScaleIntervalMultiplier float64           `yaml:"static_scale_interval_multiplier"`
	Completions                   CompletionsConfig `yaml:"completions"`
}

// CompletionsConfig splits completion XP into first-time and repeat values
type CompletionsConfig struct {
	Unique UniqueCompletionConfig `yaml:"unique"`
	Repeat RepeatCompletionConfig `yaml:"repeat"`
}

// UniqueCompletionConfig multiplies the per-tier scale on first completion
type UniqueCompletionConfig struct {
	TierScale struct {
		Linear float64 `yaml:"linear"`
		Staged float64 `yaml:"staged"`
	} `yaml:"tier_scale"`
}

// RepeatCompletionConfig divides first-time XP for repeat completions
type RepeatCompletionConfig struct {
	TierScale struct {
		Linear float64 `yaml:"linear"`
		Staged float64 `yaml:"staged"`
		Stages float64 `yaml:"stages"`
		Bonus  float64 `yaml:"bonus"`
	} `yaml:"tier_scale"`
}

// Validate checks the XP arrays agree with their declared sizes
func (c *XPConfig) Validate() error {
	if n := len(c.RankXP.Top10.RankPercentages); n != 10 {
		return fmt.Errorf("xp.rank_xp.top10.rank_percentages needs 10 entries, got %d", n)
	}
	g := c.RankXP.Groups
	for name, n := range map[string]int{
		"group_scale_factors": len(g.GroupScaleFactors),
		"group_exponents":     len(g.GroupExponents),
		"group_min_sizes":     len(g.GroupMinSizes),
		"group_point_pcts":    len(g.GroupPointPcts),
	} {
		if n < g.MaxGroups {
			return fmt.Errorf("xp.rank_xp.groups.%s needs %d entries, got %d", name, g.MaxGroups, n)
		}
	}
	cx := c.CosmeticXP
	if cx.MaxLevels < 2 {
		return fmt.Errorf("xp.cosmetic_xp.max_levels must be at least 2")
	}
	if cx.StaticScaleStart < 2 {
		return fmt.Errorf("xp.cosmetic_xp.static_scale_start must be at least 2")
	}
	rep := cx.Completions.Repeat.TierScale
	if rep.Linear <= 0 || rep.Staged <= 0 || rep.Stages <= 0 || rep.Bonus <= 0 {
		return fmt.Errorf("xp.cosmetic_xp.completions.repeat.tier_scale values must be positive")
	}
	return nil
}

func (c *XPConfig) applyDefaults() {
	top := &c.RankXP.Top10
	if top.WRPoints == 0 {
		top.WRPoints = 3000
	}
	if len(top.RankPercentages) == 0 {
		top.RankPercentages = []float64{1, 0.75, 0.68, 0.61, 0.57, 0.53, 0.505, 0.48, 0.455, 0.43}
	}

	f := &c.RankXP.Formula
	if f.A == 0 {
		f.A = 50000
	}
	if f.B == 0 {
		f.B = 49
	}

	g := &c.RankXP.Groups
	if g.MaxGroups == 0 {
		g.MaxGroups = 4
	}
	if len(g.GroupScaleFactors) == 0 {
		g.GroupScaleFactors = []float64{1, 1.5, 2, 2.5}
	}
	if len(g.GroupExponents) == 0 {
		g.GroupExponents = []float64{0.5, 0.56, 0.62, 0.68}
	}
	if len(g.GroupMinSizes) == 0 {
		g.GroupMinSizes = []float64{10, 45, 125, 250}
	}
	if len(g.GroupPointPcts) == 0 {
		g.GroupPointPcts = []float64{0.2, 0.13, 0.07, 0.03}
	}

	cx := &c.CosmeticXP
	if cx.MaxLevels == 0 {
		cx.MaxLevels = 500
	}
	if cx.StartingValue == 0 {
		cx.StartingValue = 20000
	}
	if cx.LinearScaleBaseIncrease == 0 {
		cx.LinearScaleBaseIncrease = 1000
	}
	if cx.LinearScaleInterval == 0 {
		cx.LinearScaleInterval = 10
	}
	if cx.LinearScaleIntervalMultiplier == 0 {
		cx.LinearScaleIntervalMultiplier = 1
	}
	if cx.StaticScaleStart == 0 {
		cx.StaticScaleStart = 101
	}
	if cx.StaticScaleBaseMultiplier == 0 {
		cx.StaticScaleBaseMultiplier = 1.5
	}
	if cx.StaticScaleInterval == 0 {
		cx.StaticScaleInterval = 25
	}
	if cx.StaticScaleIntervalMultiplier == 0 {
		cx.StaticScaleIntervalMultiplier = 0.5
	}

	u := &cx.Completions.Unique.TierScale
	if u.Linear == 0 {
		u.Linear = 2500
	}
	if u.Staged == 0 {
		u.Staged = 2500
	}
	r := &cx.Completions.Repeat.TierScale
	if r.Linear == 0 {
		r.Linear = 20
	}
	if r.Staged == 0 {
		r.Staged = 40
	}
	if r.Stages == 0 {
		r.Stages = 5
	}
	if r.Bonus == 0 {
		r.Bonus = 40
	}
}

// DefaultXPConfig returns the XP parameters with every default applied
func DefaultXPConfig() XPConfig {
	var c XPConfig
	c.applyDefaults()
	return c
}

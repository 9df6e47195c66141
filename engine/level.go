package engine

import "github.com/shopspring/decimal"

// =============================================================================
// LEVEL CURVE - Maps lifetime points to a level
// =============================================================================

// LevelCurve derives a user's level from their lifetime total.
//
// Reaching level 2 costs Base points. Each further level costs the previous
// step multiplied by Growth, so with Base=100 and Growth=1.5 the thresholds
// are 100, 250, 475, 812, ... Steps are truncated to whole points.
type LevelCurve struct {
	Base     decimal.Decimal
	Growth   decimal.Decimal
	MaxLevel int // 0 = uncapped
}

// DefaultLevelCurve is used when configuration does not override it.
func DefaultLevelCurve() LevelCurve {
	return LevelCurve{
		Base:     decimal.NewFromInt(100),
		Growth:   decimal.RequireFromString("1.5"),
		MaxLevel: 100,
	}
}

// LevelFor returns the level a total qualifies for. Totals at or below zero are level 1.
func (c LevelCurve) LevelFor(total int64) int {
	if total <= 0 || c.Base.LessThan(decimal.NewFromInt(1)) {
		return 1
	}

	growth := c.Growth
	if growth.LessThan(decimal.NewFromInt(1)) {
		growth = decimal.NewFromInt(1)
	}

	level := 1
	step := c.Base
	threshold := decimal.Zero
	points := decimal.NewFromInt(total)

	for {
		if c.MaxLevel > 0 && level >= c.MaxLevel {
			return level
		}
		threshold = threshold.Add(step.Truncate(0))
		if points.LessThan(threshold) {
			return level
		}
		level++
		step = step.Mul(growth)
	}
}

// Threshold returns the lifetime total needed to reach level.
func (c LevelCurve) Threshold(level int) int64 {
	if level <= 1 || c.Base.LessThan(decimal.NewFromInt(1)) {
		return 0
	}
	growth := c.Growth
	if growth.LessThan(decimal.NewFromInt(1)) {
		growth = decimal.NewFromInt(1)
	}

	threshold := decimal.Zero
	step := c.Base
	for l := 1; l < level; l++ {
		threshold = threshold.Add(step.Truncate(0))
		step = step.Mul(growth)
	}
	return threshold.IntPart()
}

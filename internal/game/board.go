package game

import (
	"errors"
	"math"
	"math/rand"
)

// Board represents a shuffled Schulte grid
type Board struct {
	Size      int       `json:"size"`
	OrderMode OrderMode `json:"orderMode"`
	Cells     []int     `json:"cells"`
}

// NewBoard creates a shuffled board of size x size numbers
func NewBoard(size int, mode OrderMode, rng *rand.Rand) (*Board, error) {
	if err := ValidateGridSize(size); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, errors.New("invalid order mode")
	}

	total := size * size
	cells := make([]int, total)
	for i := range cells {
		cells[i] = i + 1
	}

	// Fisher-Yates
	for i := total - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		cells[i], cells[j] = cells[j], cells[i]
	}

	return &Board{Size: size, OrderMode: mode, Cells: cells}, nil
}

// TotalCells returns the number of cells on the board
func (b *Board) TotalCells() int {
	return b.Size * b.Size
}

// GetCell returns the value at a cell index
func (b *Board) GetCell(index int) int {
	return b.Cells[index]
}

// StartingTarget returns the first value to tap for a grid size and mode
func StartingTarget(size int, mode OrderMode) int {
	if mode == OrderDescending {
		return size * size
	}
	return 1
}

// NextTarget returns the value expected after a correct tap
func NextTarget(current int, mode OrderMode) int {
	if mode == OrderDescending {
		return current - 1
	}
	return current + 1
}

// IsComplete reports whether the target has run past the last value
func IsComplete(target, size int, mode OrderMode) bool {
	if mode == OrderDescending {
		return target < 1
	}
	return target > size*size
}

// Accuracy returns the rounded percentage of correct taps for a full grid
func Accuracy(totalCells, mistakes int) float64 {
	if mistakes <= 0 {
		return 100
	}
	return math.Round(float64(totalCells) / float64(totalCells+mistakes) * 100)
}

// TapSummary describes a replayed sequence of taps
type TapSummary struct {
	CorrectTaps      int     `json:"correctTaps"`
	Mistakes         int     `json:"mistakes"`
	Finished         bool    `json:"finished"`
	AvgTapIntervalMs float64 `json:"avgTapIntervalMs"`
}

// Summarize replays taps against the target sequence of a config
func Summarize(cfg Config, taps []TapEvent) TapSummary {
	var sum TapSummary
	target := StartingTarget(cfg.GridSize, cfg.OrderMode)

	var last int64
	var intervals int64
	for _, tap := range taps {
		if tap.Correct && tap.TappedValue == target {
			sum.CorrectTaps++
			if sum.CorrectTaps > 1 {
				intervals += tap.TimestampMs - last
			}
			last = tap.TimestampMs
			target = NextTarget(target, cfg.OrderMode)
			continue
		}
		sum.Mistakes++
	}

	sum.Finished = IsComplete(target, cfg.GridSize, cfg.OrderMode)
	if sum.CorrectTaps > 1 {
		sum.AvgTapIntervalMs = float64(intervals) / float64(sum.CorrectTaps-1)
	}
	return sum
}

package partitions

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BlockFunc returns the block owned by rank
type BlockFunc func(rank int) (origin, size []int, err error)

// BuildPartitionLayout collects the blocks of all ranks into a layout and
// validates it
func BuildPartitionLayout(globalSize []int, numPartitions int, block BlockFunc) (*PartitionLayout, error) {
	layout := &PartitionLayout{
		GlobalSize:    append([]int(nil), globalSize...),
		TotalCells:    1,
		NumPartitions: numPartitions,
		Blocks:        make([]Block, numPartitions),
	}
	for _, s := range globalSize {
		layout.TotalCells *= s
	}
	for r := 0; r < numPartitions; r++ {
		o, s, err := block(r)
		if err != nil {
			return nil, fmt.Errorf("block of rank %d: %w", r, err)
		}
		layout.Blocks[r] = Block{Rank: r, Origin: o, Size: s}
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, err
	}
	return layout, nil
}

// ValidateCommunicationSymmetry verifies that if rank A sends to rank B,
// then B posts a receive from A of the same volume, message by message in
// posting order
func ValidateCommunicationSymmetry(schedules []RankSchedule) error {
	type pair struct{ from, to int }

	// Build send expectations
	sends := make(map[pair][]int)
	for _, s := range schedules {
		for _, tr := range s.Send {
			k := pair{s.Rank, tr.Peer}
			sends[k] = append(sends[k], tr.Volume)
		}
	}

	// Verify receive expectations match
	recvs := make(map[pair][]int)
	for _, s := range schedules {
		for _, tr := range s.Recv {
			k := pair{tr.Peer, s.Rank}
			recvs[k] = append(recvs[k], tr.Volume)
		}
	}
	for k, want := range sends {
		got, exists := recvs[k]
		if !exists {
			return fmt.Errorf("rank %d sends %d messages to %d, but %d doesn't receive",
				k.from, len(want), k.to, k.to)
		}
		if len(got) != len(want) {
			return fmt.Errorf("count mismatch: rank %d sends %d messages to %d, but %d expects %d",
				k.from, len(want), k.to, k.to, len(got))
		}
		for i := range want {
			if want[i] != got[i] {
				return fmt.Errorf("volume mismatch: message %d from %d to %d carries %d, receiver expects %d",
					i, k.from, k.to, want[i], got[i])
			}
		}
	}
	for k, got := range recvs {
		if _, exists := sends[k]; !exists {
			return fmt.Errorf("rank %d expects %d messages from %d, but %d doesn't send",
				k.to, len(got), k.from, k.from)
		}
	}
	return nil
}

// PartitionStats summarizes the load of a decomposition
type PartitionStats struct {
	NumPartitions int
	MinVolume     float64
	MaxVolume     float64
	MeanVolume    float64
	StdDev        float64
	Imbalance     float64 // MaxVolume / MeanVolume
}

// PartitionStatistics computes load balance metrics of per-rank volumes
func PartitionStatistics(volumes []int) PartitionStats {
	if len(volumes) == 0 {
		return PartitionStats{}
	}
	x := make([]float64, len(volumes))
	for i, v := range volumes {
		x[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(x, nil)
	if math.IsNaN(std) {
		// a single partition has no spread
		std = 0
	}
	stats := PartitionStats{
		NumPartitions: len(volumes),
		MinVolume:     floats.Min(x),
		MaxVolume:     floats.Max(x),
		MeanVolume:    mean,
		StdDev:        std,
	}
	if mean > 0 {
		stats.Imbalance = stats.MaxVolume / mean
	}
	return stats
}

// PartitionStatistics computes load balance metrics of the layout
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	return PartitionStatistics(pl.Volumes())
}

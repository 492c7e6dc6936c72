package partitions

import (
	"fmt"
)

// Block is the part of the global grid owned by one rank
type Block struct {
	// Rank owning the block
	Rank int

	// Lattice extent, origin[i] <= k_i < origin[i]+size[i]
	Origin []int
	Size   []int
}

// Volume returns the number of cells in the block
func (b Block) Volume() int {
	v := 1
	for _, s := range b.Size {
		v *= s
	}
	return v
}

// Contains reports whether coord lies in the block
func (b Block) Contains(coord []int) bool {
	for i := range b.Origin {
		if coord[i] < b.Origin[i] || coord[i] >= b.Origin[i]+b.Size[i] {
			return false
		}
	}
	return true
}

// PartitionLayout is the decomposition of a global grid into per-rank blocks
type PartitionLayout struct {
	// One block per rank, indexed by rank
	Blocks []Block

	// Global sizing information
	GlobalSize    []int
	TotalCells    int // product of GlobalSize
	NumPartitions int // number of ranks
}

// Transfer is one message of a communication schedule
type Transfer struct {
	Peer   int // rank on the other side
	Volume int // number of entities carried
}

// RankSchedule is the communication plan of one rank, with sends and
// receives in the order they are posted
type RankSchedule struct {
	Rank int
	Send []Transfer
	Recv []Transfer
}

// Methods for PartitionLayout

// GetPartition returns the rank owning coord, or -1 when no block contains it
func (pl *PartitionLayout) GetPartition(coord []int) int {
	for _, b := range pl.Blocks {
		if b.Contains(coord) {
			return b.Rank
		}
	}
	return -1
}

// Volumes returns the block volume of every rank
func (pl *PartitionLayout) Volumes() []int {
	v := make([]int, len(pl.Blocks))
	for i, b := range pl.Blocks {
		v[i] = b.Volume()
	}
	return v
}

// ValidateLayout checks that the blocks cover the global grid exactly once
func (pl *PartitionLayout) ValidateLayout() error {
	d := len(pl.GlobalSize)
	total := 0
	for i, b := range pl.Blocks {
		if b.Rank != i {
			return fmt.Errorf("block %d carries rank %d", i, b.Rank)
		}
		if len(b.Origin) != d || len(b.Size) != d {
			return fmt.Errorf("block %d: dimension %d, want %d", i, len(b.Size), d)
		}
		for k := 0; k < d; k++ {
			if b.Origin[k] < 0 || b.Size[k] < 0 || b.Origin[k]+b.Size[k] > pl.GlobalSize[k] {
				return fmt.Errorf("block %d: [%d,%d) outside [0,%d) in direction %d",
					i, b.Origin[k], b.Origin[k]+b.Size[k], pl.GlobalSize[k], k)
			}
		}
		total += b.Volume()
	}
	if total != pl.TotalCells {
		return fmt.Errorf("blocks hold %d cells, global grid has %d", total, pl.TotalCells)
	}

	// equal totals and pairwise disjoint blocks give an exact cover
	for i := range pl.Blocks {
		for j := i + 1; j < len(pl.Blocks); j++ {
			if overlaps(pl.Blocks[i], pl.Blocks[j]) {
				return fmt.Errorf("blocks %d and %d overlap", i, j)
			}
		}
	}
	return nil
}

func overlaps(a, b Block) bool {
	for k := range a.Origin {
		lo := max(a.Origin[k], b.Origin[k])
		hi := min(a.Origin[k]+a.Size[k], b.Origin[k]+b.Size[k])
		if hi <= lo {
			return false
		}
	}
	return true
}

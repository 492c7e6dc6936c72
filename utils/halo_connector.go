package utils

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/notargets/halogrid/multigrid"
	"github.com/notargets/halogrid/partitions"
	"github.com/notargets/halogrid/torus"
)

// HaloConnector manages pick and place indices for one rank's halo exchange
// of a float64 field stored on the local box
type HaloConnector struct {
	Rank int

	// Pick/Place indices in the order of the schedule
	PickIndices  []PickBuffer
	PlaceIndices []PlaceBuffer
}

// PickBuffer contains indices for gathering values to send
type PickBuffer struct {
	Indices         []int // Local field indices
	TargetPartition int
}

// PlaceBuffer contains indices for scattering received values
type PlaceBuffer struct {
	Indices         []int // Local field indices
	SourcePartition int
}

// NewHaloConnector creates a connector from the schedule of rank. Send
// intersections become pick buffers and receive intersections place
// buffers, both keeping the schedule order.
func NewHaloConnector(rank int, sched multigrid.Schedule) *HaloConnector {
	hc := &HaloConnector{
		Rank:         rank,
		PickIndices:  make([]PickBuffer, len(sched.Send)),
		PlaceIndices: make([]PlaceBuffer, len(sched.Recv)),
	}
	for i, is := range sched.Send {
		hc.PickIndices[i] = PickBuffer{Indices: superIndices(is), TargetPartition: is.Rank}
	}
	for i, is := range sched.Recv {
		hc.PlaceIndices[i] = PlaceBuffer{Indices: superIndices(is), SourcePartition: is.Rank}
	}
	return hc
}

func superIndices(is multigrid.Intersection) []int {
	idx := make([]int, 0, is.Grid.TotalSize())
	for it := is.Grid.SubIterator(); it.Valid(); it.Next() {
		idx = append(idx, it.SuperIndex())
	}
	return idx
}

// GetPickIndices returns the concatenated pick indices for sending to target
func (hc *HaloConnector) GetPickIndices(targetPartition int) []int {
	var idx []int
	for _, pb := range hc.PickIndices {
		if pb.TargetPartition == targetPartition {
			idx = append(idx, pb.Indices...)
		}
	}
	return idx
}

// GetPlaceIndices returns the concatenated place indices for receiving from source
func (hc *HaloConnector) GetPlaceIndices(sourcePartition int) []int {
	var idx []int
	for _, pb := range hc.PlaceIndices {
		if pb.SourcePartition == sourcePartition {
			idx = append(idx, pb.Indices...)
		}
	}
	return idx
}

// RankSchedule returns the message volumes of the connector
func (hc *HaloConnector) RankSchedule() partitions.RankSchedule {
	rs := partitions.RankSchedule{Rank: hc.Rank}
	for _, pb := range hc.PickIndices {
		rs.Send = append(rs.Send, partitions.Transfer{Peer: pb.TargetPartition, Volume: len(pb.Indices)})
	}
	for _, pb := range hc.PlaceIndices {
		rs.Recv = append(rs.Recv, partitions.Transfer{Peer: pb.SourcePartition, Volume: len(pb.Indices)})
	}
	return rs
}

// Verify checks that every index addresses a field of localSize values
func (hc *HaloConnector) Verify(localSize int) error {
	for _, pb := range hc.PickIndices {
		for _, idx := range pb.Indices {
			if idx < 0 || idx >= localSize {
				return fmt.Errorf("invalid pick index %d for partition %d (max %d)",
					idx, hc.Rank, localSize-1)
			}
		}
	}
	for _, pb := range hc.PlaceIndices {
		for _, idx := range pb.Indices {
			if idx < 0 || idx >= localSize {
				return fmt.Errorf("invalid place index %d for partition %d (max %d)",
					idx, hc.Rank, localSize-1)
			}
		}
	}
	return nil
}

// VerifyConnectors checks the connectors of all ranks against each other:
// pick and place buffers must correspond message by message
func VerifyConnectors(conns []*HaloConnector) error {
	schedules := make([]partitions.RankSchedule, len(conns))
	for i, hc := range conns {
		schedules[i] = hc.RankSchedule()
	}
	return partitions.ValidateCommunicationSymmetry(schedules)
}

// Exchange sends the picked values of field and places the received ones.
// All ranks of the torus have to call it with connectors built from the
// same schedule.
func (hc *HaloConnector) Exchange(ctx context.Context, tt *torus.Torus, field []float64) error {
	// Phase 1: Pick - gather from field using pick indices
	for _, pb := range hc.PickIndices {
		buf := make([]byte, 8*len(pb.Indices))
		for i, idx := range pb.Indices {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(field[idx]))
		}
		tt.Send(pb.TargetPartition, buf)
	}

	// Phase 2: Exchange
	bufs := make([][]byte, len(hc.PlaceIndices))
	for i, pb := range hc.PlaceIndices {
		bufs[i] = make([]byte, 8*len(pb.Indices))
		tt.Recv(pb.SourcePartition, bufs[i])
	}
	if err := tt.Exchange(ctx); err != nil {
		return fmt.Errorf("halo exchange of rank %d: %w", hc.Rank, err)
	}

	// Phase 3: Place - scatter into field using place indices
	for i, pb := range hc.PlaceIndices {
		for j, idx := range pb.Indices {
			field[idx] = math.Float64frombits(binary.LittleEndian.Uint64(bufs[i][8*j:]))
		}
	}
	return nil
}

package multigrid

import (
	"context"
	"fmt"
	"strings"

	"github.com/notargets/halogrid/grid"
	"github.com/notargets/halogrid/partitions"
	"github.com/sirupsen/logrus"
)

// Pairing names which two entity subsets a schedule intersects: the first is
// the subset data is sent from, the second the subset of the neighbor that
// receives it.
type Pairing int

const (
	// LocalLocal pairs everything stored with everything stored
	LocalLocal Pairing = iota
	// MasterLocal pairs owned entities with stored entities
	MasterLocal
	// MasterMaster pairs owned entities with owned entities, only vertices
	// have a nonempty one
	MasterMaster
	// OverlapLocal pairs stored entities without the front with stored
	// entities, vertices only
	OverlapLocal
)

var pairingNames = [...]string{"LocalLocal", "MasterLocal", "MasterMaster", "OverlapLocal"}

func (p Pairing) String() string {
	if p >= 0 && int(p) < len(pairingNames) {
		return pairingNames[p]
	}
	return fmt.Sprintf("Pairing(%d)", int(p))
}

// Intersection is the part of a subset exchanged with one neighbor. Grid is a
// sub box of the local box so its superindices address local storage.
type Intersection struct {
	Grid     grid.SubBox
	Rank     int
	Distance int
}

// Schedule lists what is sent to and received from each neighbor. Sends to
// and receives from one rank appear in the order that pairs them with the
// neighbor's receives and sends.
type Schedule struct {
	Send []Intersection
	Recv []Intersection
}

// Volume returns the number of entities sent and received
func (s Schedule) Volume() (send, recv int) {
	for _, is := range s.Send {
		send += is.Grid.TotalSize()
	}
	for _, is := range s.Recv {
		recv += is.Grid.TotalSize()
	}
	return send, recv
}

// RankSchedule converts the schedule to per-message volumes of rank
func (s Schedule) RankSchedule(rank int) partitions.RankSchedule {
	rs := partitions.RankSchedule{Rank: rank}
	for _, is := range s.Send {
		rs.Send = append(rs.Send, partitions.Transfer{Peer: is.Rank, Volume: is.Grid.TotalSize()})
	}
	for _, is := range s.Recv {
		rs.Recv = append(rs.Recv, partitions.Transfer{Peer: is.Rank, Volume: is.Grid.TotalSize()})
	}
	return rs
}

// EntitySet holds the boxes of one entity class on one level
type EntitySet struct {
	Global   grid.Box    // all entities of the level
	Local    grid.SubBox // everything stored by this rank, its own super box
	Overlap  grid.SubBox // Local without the front, equal to Local for cells
	Master   grid.SubBox // owned entities including the border
	Interior grid.SubBox // Master without the border, equal to Master for cells

	schedules map[Pairing]Schedule
}

// Schedule returns the schedule of pairing p. Pairings that do not exist for
// the entity class give an empty schedule.
func (e *EntitySet) Schedule(p Pairing) Schedule { return e.schedules[p] }

// Level is one refinement level of the grid on the calling rank
type Level struct {
	Index    int
	Overlap  int
	Cells    EntitySet
	Vertices EntitySet
	// OverlapExceedsBlock is set when the overlap is wider than the smallest
	// block on a partitioned or periodic direction, so halos reach past
	// direct neighbors and are not filled completely
	OverlapExceedsBlock bool

	mg *MultiGrid
}

// MultiGrid returns the hierarchy the level belongs to
func (l *Level) MultiGrid() *MultiGrid { return l.mg }

// Entities returns the cells for codim 0 and the vertices for codim d
func (l *Level) Entities(codim int) (*EntitySet, error) {
	switch codim {
	case 0:
		return &l.Cells, nil
	case l.mg.Dim():
		return &l.Vertices, nil
	}
	return nil, fmt.Errorf("%w %d", ErrCodimNotImplemented, codim)
}

func (mg *MultiGrid) makeLevel(ctx context.Context, index int, s, oInterior, sInterior []int, overlap int) (*Level, error) {
	d := len(s)
	log := mg.log.WithField("level", index)
	l := &Level{Index: index, Overlap: overlap, mg: mg}

	h := make([]float64, d)
	r := make([]float64, d)
	for i := 0; i < d; i++ {
		h[i] = mg.length[i] / float64(s[i])
		r[i] = 0.5 * h[i]
	}
	l.Cells.Global = grid.NewBox(make([]int, d), s, h, r)

	oOverlap := make([]int, d)
	sOverlap := make([]int, d)
	for i := 0; i < d; i++ {
		if mg.periodic[i] {
			oOverlap[i] = oInterior[i] - overlap
			sOverlap[i] = sInterior[i] + 2*overlap
			continue
		}
		lo := max(0, oInterior[i]-overlap)
		hi := min(s[i]-1, oInterior[i]+sInterior[i]-1+overlap)
		oOverlap[i] = lo
		sOverlap[i] = hi - lo + 1
	}
	l.Cells.Local = grid.AsSubBox(grid.NewBox(oOverlap, sOverlap, h, r))
	offset := make([]int, d)
	for i := 0; i < d; i++ {
		offset[i] = oInterior[i] - oOverlap[i]
	}
	l.Cells.Master = grid.NewSubBox(oInterior, sInterior, offset, sOverlap, h, r)
	l.Cells.Overlap = l.Cells.Local
	l.Cells.Interior = l.Cells.Master

	// halos come from neighbors or, on a periodic direction, from images
	// one block apart
	for i := 0; i < d; i++ {
		if (mg.torus.Dim(i) > 1 || mg.periodic[i]) && overlap > s[i]/mg.torus.Dim(i) {
			l.OverlapExceedsBlock = true
			log.WithFields(logrus.Fields{"dir": i, "overlap": overlap, "block": s[i] / mg.torus.Dim(i)}).
				Warn("multigrid: overlap exceeds smallest block, halo reaches past direct neighbors")
		}
	}

	// vertices use the cell lattice with zero shift
	for i := range r {
		r[i] = 0
	}
	vs := make([]int, d)
	for i := 0; i < d; i++ {
		vs[i] = s[i] + 1
	}
	l.Vertices.Global = grid.NewBox(make([]int, d), vs, h, r)

	cl, cm := l.Cells.Local, l.Cells.Master
	sFront := make([]int, d)
	for i := 0; i < d; i++ {
		sFront[i] = cl.Size(i) + 1
	}
	l.Vertices.Local = grid.AsSubBox(grid.NewBox(cl.Origins(), sFront, h, r))
	l.Vertices.Overlap = mg.trimmedVertices(cl.Box, l.Cells.Global, l.Vertices.Local, h, r)
	sBorder := make([]int, d)
	for i := 0; i < d; i++ {
		sBorder[i] = cm.Size(i) + 1
		offset[i] = cm.Origin(i) - cl.Origin(i)
	}
	l.Vertices.Master = grid.NewSubBox(cm.Origins(), sBorder, offset, sFront, h, r)
	l.Vertices.Interior = mg.trimmedVertices(cm.Box, l.Cells.Global, l.Vertices.Local, h, r)

	// the periodic image of every box is moved by the global cell count
	var err error
	l.Cells.schedules = make(map[Pairing]Schedule, 2)
	if l.Cells.schedules[LocalLocal], err = mg.intersections(ctx, cl, cl, s); err != nil {
		return nil, err
	}
	if l.Cells.schedules[MasterLocal], err = mg.intersections(ctx, cm, cl, s); err != nil {
		return nil, err
	}
	v := &l.Vertices
	v.schedules = make(map[Pairing]Schedule, 4)
	if v.schedules[LocalLocal], err = mg.intersections(ctx, v.Local, v.Local, s); err != nil {
		return nil, err
	}
	if v.schedules[OverlapLocal], err = mg.intersections(ctx, v.Overlap, v.Local, s); err != nil {
		return nil, err
	}
	if v.schedules[MasterMaster], err = mg.intersections(ctx, v.Master, v.Master, s); err != nil {
		return nil, err
	}
	if v.schedules[MasterLocal], err = mg.intersections(ctx, v.Master, v.Local, s); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"cells": l.Cells.Master.Sizes(), "overlap": overlap}).Debug("multigrid: level built")
	return l, nil
}

// trimmedVertices takes the vertices of a cell box and removes, on
// non-periodic directions, the lower and upper vertex layers that are not on
// the global boundary. The result is a sub box of front.
func (mg *MultiGrid) trimmedVertices(cells, global grid.Box, front grid.SubBox, h, r []float64) grid.SubBox {
	d := cells.Dim()
	o := make([]int, d)
	s := make([]int, d)
	offset := make([]int, d)
	for i := 0; i < d; i++ {
		o[i] = cells.Origin(i)
		s[i] = cells.Size(i) + 1
		if !mg.periodic[i] && cells.Origin(i) > global.Origin(i) {
			o[i]++
			s[i]--
		}
		if !mg.periodic[i] && cells.Origin(i)+cells.Size(i) < global.Origin(i)+global.Size(i) {
			s[i]--
		}
		offset[i] = o[i] - front.Origin(i)
	}
	return grid.NewSubBox(o, s, offset, front.Sizes(), h, r)
}

func (l *Level) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "level %d overlap %d\n", l.Index, l.Overlap)
	for _, e := range []struct {
		name string
		set  *EntitySet
		keys []Pairing
	}{
		{"cells", &l.Cells, []Pairing{LocalLocal, MasterLocal}},
		{"vertices", &l.Vertices, []Pairing{LocalLocal, OverlapLocal, MasterMaster, MasterLocal}},
	} {
		fmt.Fprintf(&sb, "  %s global %v\n  %s local %v\n  %s master %v\n",
			e.name, e.set.Global, e.name, e.set.Local, e.name, e.set.Master)
		for _, k := range e.keys {
			sched := e.set.Schedule(k)
			for _, is := range sched.Send {
				fmt.Fprintf(&sb, "    %s send to %d dist %d: %v\n", k, is.Rank, is.Distance, is.Grid.Box)
			}
			for _, is := range sched.Recv {
				fmt.Fprintf(&sb, "    %s recv from %d dist %d: %v\n", k, is.Rank, is.Distance, is.Grid.Box)
			}
		}
	}
	return sb.String()
}

// Package multigrid decomposes a structured tensor product grid over the
// ranks of a torus. Each refinement level holds the cell and vertex boxes of
// the calling rank (owned block, block extended by the overlap) and the
// intersection schedules that say which entities are sent to and received
// from which neighbor when data attached to the grid is communicated.
package multigrid

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/halogrid/comm"
	"github.com/notargets/halogrid/torus"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidOptions       = errors.New("multigrid: invalid options")
	ErrNoLevel              = errors.New("multigrid: no such level")
	ErrCodimNotImplemented  = errors.New("multigrid: interface communication not implemented for codim")
	ErrUnknownInterface     = errors.New("multigrid: unknown interface")
	ErrDescriptorExchange   = errors.New("multigrid: box descriptor exchange failed")
	ErrCommunicationFailure = errors.New("multigrid: communication failed")
)

// OverlapPolicy selects how the overlap changes on refinement
type OverlapPolicy int

const (
	// KeepOverlapInCells keeps the overlap width in cells of the new level
	KeepOverlapInCells OverlapPolicy = iota
	// KeepAbsoluteOverlap doubles the overlap so its physical width stays the same
	KeepAbsoluteOverlap
)

func (p OverlapPolicy) String() string {
	if p == KeepAbsoluteOverlap {
		return "KeepAbsoluteOverlap"
	}
	return "KeepOverlapInCells"
}

// Options describes the coarse grid
type Options struct {
	Length   []float64 // physical extent per direction
	Size     []int     // number of cells per direction
	Periodic []bool
	Overlap  int // overlap width in cells
	Tag      int // message tag of the torus
	Dims     []int
	Logger   logrus.FieldLogger
}

func (o Options) validate() error {
	d := len(o.Size)
	if d == 0 {
		return fmt.Errorf("%w: no directions", ErrInvalidOptions)
	}
	if len(o.Length) != d || len(o.Periodic) != d {
		return fmt.Errorf("%w: %d sizes, %d lengths, %d periodic flags",
			ErrInvalidOptions, d, len(o.Length), len(o.Periodic))
	}
	for i := 0; i < d; i++ {
		if o.Size[i] < 1 {
			return fmt.Errorf("%w: size[%d]=%d", ErrInvalidOptions, i, o.Size[i])
		}
		if !(o.Length[i] > 0) {
			return fmt.Errorf("%w: length[%d]=%v", ErrInvalidOptions, i, o.Length[i])
		}
	}
	if o.Overlap < 0 {
		return fmt.Errorf("%w: overlap %d", ErrInvalidOptions, o.Overlap)
	}
	if o.Tag < 0 {
		return fmt.Errorf("%w: tag %d", ErrInvalidOptions, o.Tag)
	}
	return nil
}

// MultiGrid is the hierarchy of levels of one rank. Levels are only added.
type MultiGrid struct {
	length    []float64
	periodic  []bool
	torus     *torus.Torus
	levels    []*Level
	imbalance float64
	log       logrus.FieldLogger
}

// New partitions the coarse grid over the ranks of t and builds level 0.
// Every rank must call New with the same options.
func New(ctx context.Context, t comm.Transport, opts Options) (*MultiGrid, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	topts := []torus.Option{torus.WithLogger(log)}
	if opts.Dims != nil {
		topts = append(topts, torus.WithDims(opts.Dims))
	}
	tt, err := torus.New(t, opts.Tag, opts.Size, topts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	mg := &MultiGrid{
		length:   append([]float64(nil), opts.Length...),
		periodic: append([]bool(nil), opts.Periodic...),
		torus:    tt,
		log:      log.WithField("rank", tt.Rank()),
	}

	d := len(opts.Size)
	oInterior, sInterior, imbalance, err := tt.Partition(tt.Rank(), make([]int, d), opts.Size)
	if err != nil {
		return nil, err
	}
	if mg.imbalance, err = tt.GlobalMax(ctx, imbalance); err != nil {
		return nil, fmt.Errorf("%w: imbalance: %w", ErrCommunicationFailure, err)
	}
	if tt.Rank() == 0 {
		mg.log.WithFields(logrus.Fields{
			"size":      opts.Size,
			"dims":      tt.Dims(),
			"imbalance": fmt.Sprintf("%.1f%%", (mg.imbalance-1)*100),
		}).Info("multigrid: coarse grid")
	}

	lvl, err := mg.makeLevel(ctx, 0, opts.Size, oInterior, sInterior, opts.Overlap)
	if err != nil {
		return nil, err
	}
	mg.levels = append(mg.levels, lvl)
	return mg, nil
}

// Refine appends a level with twice the number of cells in every direction
func (mg *MultiGrid) Refine(ctx context.Context, policy OverlapPolicy) error {
	cg := mg.levels[len(mg.levels)-1]
	d := mg.Dim()
	s := make([]int, d)
	oInterior := make([]int, d)
	sInterior := make([]int, d)
	for i := 0; i < d; i++ {
		s[i] = 2 * cg.Cells.Global.Size(i)
		oInterior[i] = 2 * cg.Cells.Master.Origin(i)
		sInterior[i] = 2 * cg.Cells.Master.Size(i)
	}
	overlap := cg.Overlap
	if policy == KeepAbsoluteOverlap {
		overlap *= 2
	}
	lvl, err := mg.makeLevel(ctx, cg.Index+1, s, oInterior, sInterior, overlap)
	if err != nil {
		return err
	}
	mg.levels = append(mg.levels, lvl)
	if mg.torus.Rank() == 0 {
		mg.log.WithFields(logrus.Fields{"level": lvl.Index, "size": s, "policy": policy}).
			Info("multigrid: refined")
	}
	return nil
}

// Dim returns the number of directions
func (mg *MultiGrid) Dim() int { return len(mg.length) }

// MaxLevel returns the index of the finest level
func (mg *MultiGrid) MaxLevel() int { return len(mg.levels) - 1 }

// Level returns level l
func (mg *MultiGrid) Level(l int) (*Level, error) {
	if l < 0 || l >= len(mg.levels) {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", ErrNoLevel, l, mg.MaxLevel())
	}
	return mg.levels[l], nil
}

// Levels returns all levels, coarsest first
func (mg *MultiGrid) Levels() []*Level { return mg.levels }

// Torus returns the process grid
func (mg *MultiGrid) Torus() *torus.Torus { return mg.torus }

// Periodic reports whether direction i is periodic
func (mg *MultiGrid) Periodic(i int) bool { return mg.periodic[i] }

// Length returns a copy of the physical extent
func (mg *MultiGrid) Length() []float64 { return append([]float64(nil), mg.length...) }

// Imbalance returns the load imbalance of the coarse partition, largest
// block over average block
func (mg *MultiGrid) Imbalance() float64 { return mg.imbalance }

func (mg *MultiGrid) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MultiGrid rank %d length %v periodic %v levels %d\n",
		mg.torus.Rank(), mg.length, mg.periodic, len(mg.levels))
	sb.WriteString(mg.torus.String())
	for _, l := range mg.levels {
		sb.WriteString(l.String())
	}
	return sb.String()
}

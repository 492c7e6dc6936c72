package multigrid

import "fmt"

// PartitionType classifies an entity relative to the calling rank
type PartitionType int

const (
	Interior PartitionType = iota // owned and not shared
	Border                        // owned and shared with neighbors
	Overlap                       // stored copy of an entity owned elsewhere
	Front                         // outermost layer of stored copies
	Ghost                         // not stored on this rank
)

func (p PartitionType) String() string {
	switch p {
	case Interior:
		return "Interior"
	case Border:
		return "Border"
	case Overlap:
		return "Overlap"
	case Front:
		return "Front"
	case Ghost:
		return "Ghost"
	}
	return fmt.Sprintf("PartitionType(%d)", int(p))
}

// Classify returns the partition type of the entity of the given codim at
// coord. On periodic directions all images of coord are considered and the
// strongest classification wins.
func (l *Level) Classify(codim int, coord []int) (PartitionType, error) {
	set, err := l.Entities(codim)
	if err != nil {
		return Ghost, err
	}
	best := Ghost
	image := append([]int(nil), coord...)
	var visit func(i int)
	visit = func(i int) {
		if i == len(image) {
			best = min(best, classify(set, image))
			return
		}
		visit(i + 1)
		if !l.mg.periodic[i] {
			return
		}
		// periodic images are a global cell count apart for every entity class
		s := l.Cells.Global.Size(i)
		for _, shift := range []int{-s, s} {
			image[i] += shift
			visit(i + 1)
			image[i] -= shift
		}
	}
	visit(0)
	return best, nil
}

func classify(set *EntitySet, coord []int) PartitionType {
	switch {
	case set.Interior.Inside(coord):
		return Interior
	case set.Master.Inside(coord):
		return Border
	case set.Overlap.Inside(coord):
		return Overlap
	case set.Local.Inside(coord):
		return Front
	}
	return Ghost
}

package utils

import (
	"github.com/notargets/halogrid/comm"
	"github.com/sirupsen/logrus"
)

// CreateTestWorld creates p connected in-process transports for testing,
// indexed by rank
func CreateTestWorld(p int) []comm.Transport {
	world := comm.NewLocalWorld(p)
	ts := make([]comm.Transport, p)
	for i, l := range world {
		ts[i] = l
	}
	logrus.WithField("ranks", p).Debug("created in-process world")
	return ts
}

package celltalk

import (
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Stats is a point in time snapshot of an Acceptor or Connector.
type Stats struct {
	Accepted     int64 `json:"accepted"`
	Rejected     int64 `json:"rejected"`
	Active       int64 `json:"active"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	FramesIn     int64 `json:"frames_in"`
	FramesOut    int64 `json:"frames_out"`

	// write latency from enqueue to socket, quota wait included
	WriteP50 time.Duration `json:"write_p50"`
	WriteP99 time.Duration `json:"write_p99"`
}

type statsKeeper struct {
	accepted     atomic.Int64
	rejected     atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	framesIn     atomic.Int64
	framesOut    atomic.Int64

	mut  sync.Mutex
	td   *tdigest.TDigest
	nLat int64
}

func newStatsKeeper() *statsKeeper {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &statsKeeper{td: td}
}

func (k *statsKeeper) sent(n int, latency time.Duration) {
	k.bytesWritten.Add(int64(n))
	k.framesOut.Add(1)
	k.mut.Lock()
	if k.td.Add(float64(latency)) == nil {
		k.nLat++
	}
	k.mut.Unlock()
}

func (k *statsKeeper) snapshot(active int) (s Stats) {
	s.Accepted = k.accepted.Load()
	s.Rejected = k.rejected.Load()
	s.Active = int64(active)
	s.BytesRead = k.bytesRead.Load()
	s.BytesWritten = k.bytesWritten.Load()
	s.FramesIn = k.framesIn.Load()
	s.FramesOut = k.framesOut.Load()
	k.mut.Lock()
	if k.nLat > 0 {
		s.WriteP50 = time.Duration(k.td.Quantile(0.5))
		s.WriteP99 = time.Duration(k.td.Quantile(0.99))
	}
	k.mut.Unlock()
	return
}

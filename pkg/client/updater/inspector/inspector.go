package inspector

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/utils/observer"
	"github.com/unbasical/airborne/internal/pkg/utils/readerutils"
)

// ProgressFunc receives the number of bytes transferred so far and the expected total (0 if unknown).
type ProgressFunc func(done, total int64)

// Counter accumulates transferred bytes.
type Counter interface {
	Add(delta int64)
}

// DownloadStatsObserver records download statistics of one or more transfers and reports them
// periodically instead of per read.
type DownloadStatsObserver struct {
	bytesRead atomic.Int64
	total     int64
	interval  time.Duration
	report    ProgressFunc

	once     sync.Once
	stopOnce sync.Once
	stop     chan any
	wg       sync.WaitGroup
	last     atomic.Int64
	final    atomic.Bool
}

// NewDownloadStatsObserver creates an observer that calls report at most once per interval.
func NewDownloadStatsObserver(total int64, interval time.Duration, report ProgressFunc) *DownloadStatsObserver {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	d := &DownloadStatsObserver{
		total:    total,
		interval: interval,
		report:   report,
		stop:     make(chan any),
	}
	d.last.Store(-1)
	return d
}

// Start begins the periodic reporting. It is safe to call more than once.
func (d *DownloadStatsObserver) Start() {
	d.once.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			o := observer.IntervalObserver[*DownloadStatsObserver]{
				Interval:    d.interval,
				F:           (*DownloadStatsObserver).flush,
				Observable:  d,
				FlushOnStop: true,
			}
			if err := o.Observe(d.stop); err != nil {
				log.WithError(err).Error("failed to observe download stats")
			}
		}()
	})
}

// Stop ends the reporting after a final report.
func (d *DownloadStatsObserver) Stop() {
	d.Start()
	d.stopOnce.Do(func() {
		d.final.Store(true)
		close(d.stop)
	})
	d.wg.Wait()
}

// Add adjusts the byte count, a negative delta accounts for discarded partial data.
func (d *DownloadStatsObserver) Add(delta int64) {
	d.bytesRead.Add(delta)
}

// BytesRead returns the current byte count.
func (d *DownloadStatsObserver) BytesRead() int64 {
	return d.bytesRead.Load()
}

// InspectContents wraps rc so that every byte read from it is counted.
func (d *DownloadStatsObserver) InspectContents(rc io.ReadCloser) io.ReadCloser {
	return readerutils.NewCountingReader(rc, &d.bytesRead)
}

func (d *DownloadStatsObserver) flush() error {
	n := d.bytesRead.Load()
	if d.report == nil {
		return nil
	}
	// identical snapshots are only repeated as the final report
	if d.last.Swap(n) == n && !d.final.Load() {
		return nil
	}
	d.report(n, d.total)
	return nil
}

// CountingReader wraps rc and adds the bytes read from it to c.
func CountingReader(rc io.ReadCloser, c Counter) io.ReadCloser {
	if c == nil {
		return rc
	}
	if d, ok := c.(*DownloadStatsObserver); ok {
		return d.InspectContents(rc)
	}
	return &counting{ReadCloser: rc, c: c}
}

type counting struct {
	io.ReadCloser
	c Counter
}

func (r *counting) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.c.Add(int64(n))
	}
	return n, err
}

package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tftpd/internal/logging"
)

// Stats holds transfer statistics. TotalBytes is zero when the size is not
// known up front, as for a download.
type Stats struct {
	TotalBytes       int64
	TransferredBytes atomic.Int64
	Blocks           atomic.Int64
	StartTime        time.Time
	Filename         string
}

// NewStats starts the clock on a transfer of filename
func NewStats(filename string, total int64) *Stats {
	return &Stats{
		TotalBytes: total,
		StartTime:  time.Now(),
		Filename:   filename,
	}
}

// Reporter handles progress reporting
type Reporter struct {
	stats       *Stats
	interval    time.Duration
	out         io.Writer
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	showConsole bool
}

// NewReporter creates a new progress reporter
func NewReporter(stats *Stats, showConsole bool) *Reporter {
	return &Reporter{
		stats:       stats,
		interval:    time.Second,
		out:         os.Stdout,
		done:        make(chan struct{}),
		showConsole: showConsole,
	}
}

// SetOutput redirects console progress, mainly for tests
func (r *Reporter) SetOutput(w io.Writer, interval time.Duration) {
	r.out = w
	r.interval = interval
}

// Start begins progress reporting
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.reportLoop()
}

// Stop stops progress reporting. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.showConsole {
			fmt.Fprintln(r.out)
		}
	})
}

func (r *Reporter) reportLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastTransferred := int64(0)
	lastUpdate := time.Now()
	ticks := 0

	for {
		select {
		case <-ticker.C:
			ticks++
			now := time.Now()
			transferred := r.stats.GetTransferred()

			rate := 0.0
			if dt := now.Sub(lastUpdate).Seconds(); dt > 0 {
				rate = float64(transferred-lastTransferred) / 1024 / dt
			}

			// Log every 10 ticks
			if ticks%10 == 0 {
				logging.LogTransferProgress(r.stats.Filename, transferred, r.stats.TotalBytes, rate)
			}
			if r.showConsole {
				r.showConsoleProgress(transferred, rate)
			}

			lastTransferred = transferred
			lastUpdate = now
		case <-r.done:
			return
		}
	}
}

// showConsoleProgress displays progress bar in console
func (r *Reporter) showConsoleProgress(transferred int64, rateKB float64) {
	blocks := r.stats.Blocks.Load()

	if r.stats.TotalBytes <= 0 {
		fmt.Fprintf(r.out, "\r%s: %.1f KB in %d blocks at %.1f KB/s",
			r.stats.Filename, float64(transferred)/1024, blocks, rateKB)
		return
	}

	percent := r.stats.Percent()
	const barWidth = 30
	completedWidth := int(float64(barWidth) * percent / 100)
	if completedWidth > barWidth {
		completedWidth = barWidth
	}
	progressBar := strings.Repeat("█", completedWidth) + strings.Repeat("░", barWidth-completedWidth)

	fmt.Fprintf(r.out, "\r[%s] %.1f%% (%.1f/%.1f KB) at %.1f KB/s",
		progressBar,
		percent,
		float64(transferred)/1024,
		float64(r.stats.TotalBytes)/1024,
		rateKB)
}

// AddBlock records one block of n bytes
func (s *Stats) AddBlock(n int) {
	s.Blocks.Add(1)
	s.TransferredBytes.Add(int64(n))
}

// GetTransferred atomically gets the current transferred bytes count
func (s *Stats) GetTransferred() int64 {
	return s.TransferredBytes.Load()
}

// Percent returns completion in percent, or 0 when the size is unknown
func (s *Stats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return float64(s.GetTransferred()) / float64(s.TotalBytes) * 100
}

// Elapsed returns the time since the transfer started
func (s *Stats) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

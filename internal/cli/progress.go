package cli

import (
	"log/slog"
	"sync"
	"time"

	"framelabel/internal/events"
	"framelabel/internal/stats"
)

// DefaultPollInterval is how often a running invocation logs progress.
const DefaultPollInterval = 5 * time.Second

// progress follows the live event stream to count finished items and logs
// an aggregate snapshot every interval.
type progress struct {
	logger   *slog.Logger
	stats    *stats.Aggregator
	total    int
	interval time.Duration

	mu   sync.Mutex
	done int

	stop chan struct{}
	wg   sync.WaitGroup
}

// startProgress subscribes before returning so no event of the run is
// missed.
func startProgress(bus *events.Bus, agg *stats.Aggregator, total int, interval time.Duration, logger *slog.Logger) *progress {
	p := &progress{logger: logger, stats: agg, total: total, interval: interval, stop: make(chan struct{})}
	sub, unsubscribe := bus.Subscribe(256)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Kind == events.KindItemCompleted || ev.Kind == events.KindItemFailed {
					p.mu.Lock()
					p.done++
					p.mu.Unlock()
				}
			case <-ticker.C:
				p.log()
			case <-p.stop:
				return
			}
		}
	}()
	return p
}

func (p *progress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *progress) log() {
	snap := p.stats.Snapshot()
	p.logger.Info("progress",
		"finished", p.Done(),
		"total", p.total,
		"processed", snap.TotalProcessed,
		"failed", snap.TotalFailed,
		"issues", snap.TotalIssues,
		"labels", snap.Labels)
}

// Stop ends polling. It is safe to call more than once.
func (p *progress) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}

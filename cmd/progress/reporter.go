package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum time between two throttled updates
const DefaultInterval = 150 * time.Millisecond

// Sink receives progress updates
type Sink interface {
	Update(Stats)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Stats)

// Update calls f(s)
func (f SinkFunc) Update(s Stats) { f(s) }

// Option configures a Reporter
type Option func(*Reporter)

// WithInterval sets the throttle interval
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSinks adds sinks that receive every emitted update
func WithSinks(sinks ...Sink) Option {
	return func(r *Reporter) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// Reporter accumulates bytes consumed from a dump and fans throttled
// updates out to its sinks. It is safe for concurrent use.
type Reporter struct {
	mu       sync.Mutex
	total    int64
	read     int64
	start    time.Time
	now      func() time.Time
	interval time.Duration
	throttle *rate.Sometimes
	sinks    []Sink
	finished bool
}

// NewReporter starts measuring an import of total bytes
func NewReporter(total int64, opts ...Option) *Reporter {
	r := &Reporter{
		total:    total,
		now:      time.Now,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.now()
	r.throttle = &rate.Sometimes{Interval: r.interval}
	return r
}

// Add records n more bytes consumed. The count never exceeds the total.
func (r *Reporter) Add(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.read += int64(n)
	if r.total > 0 && r.read > r.total {
		r.read = r.total
	}
	r.mu.Unlock()

	r.throttle.Do(func() {
		r.emit(false)
	})
}

// Finish emits the final update with the bytes actually counted, bypassing
// the throttle. A fully consumed source reports 100%. Later calls are no-ops.
func (r *Reporter) Finish() Stats {
	r.mu.Lock()
	if r.finished {
		s := r.statsLocked()
		r.mu.Unlock()
		return s
	}
	r.finished = true
	r.mu.Unlock()

	return r.emit(true)
}

// Stats returns the current progress without emitting it
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Reporter) statsLocked() Stats {
	s := Compute(r.read, r.total, r.start, r.now())
	s.Done = r.finished
	return s
}

func (r *Reporter) emit(final bool) Stats {
	r.mu.Lock()
	if r.finished && !final {
		r.mu.Unlock()
		return Stats{}
	}
	s := r.statsLocked()
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		sink.Update(s)
	}
	return s
}

// NewReader wraps src so that every chunk read is reported to r
func NewReader(src io.Reader, r *Reporter) io.Reader {
	return &countingReader{src: src, reporter: r}
}

type countingReader struct {
	src      io.Reader
	reporter *Reporter
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	c.reporter.Add(n)
	return n, err
}

// Console writes the progress line to w, redrawing it in place with a
// carriage return and ending it with a newline after the final update.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	width int
}

// NewConsole creates a console sink rendering bars of the given width
func NewConsole(w io.Writer, width int) *Console {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Console{w: w, width: width}
}

// Update redraws the progress line
func (c *Console) Update(s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\r%s", Line(s, c.width))
	if s.Done {
		fmt.Fprintln(c.w)
	}
}

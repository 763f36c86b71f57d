package hal

import (
	"context"
	"time"

	"cynthion-go/peripherals"
	"cynthion-go/types"
)

// worker runs one board's peripheral calls in order, so a slow transfer on
// one board never stalls the service loop or another board.
type worker struct {
	timeout time.Duration
	reqQ    chan job
	sink    chan<- result
	cancel  context.CancelFunc
}

func newWorker(cfg Config, sink chan<- result) *worker {
	return &worker{
		timeout: cfg.timeout(),
		reqQ:    make(chan job, cfg.queueLen()),
		sink:    sink,
	}
}

// Submit queues j without blocking; false means the queue is full.
func (w *worker) Submit(j job) bool {
	select {
	case w.reqQ <- j:
		return true
	default:
		return false
	}
}

// Start runs queued jobs until Stop. A job already running when Stop is
// called still delivers its result unless parent is done.
func (w *worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-w.reqQ:
				r := w.run(ctx, j)
				select {
				case w.sink <- r:
				case <-parent.Done():
					return
				}
			}
		}
	}()
}

func (w *worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Drain removes and returns the jobs still queued.
func (w *worker) Drain() []job {
	var out []job
	for {
		select {
		case j := <-w.reqQ:
			out = append(out, j)
		default:
			return out
		}
	}
}

func (w *worker) run(ctx context.Context, j job) result {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if j.method == methodPoll {
		switch p := j.p.(type) {
		case *peripherals.GPIOPin:
			level, err := p.Read(cctx)
			return result{job: j, value: types.GPIOValue{Name: p.Name(), Level: level}, err: err}
		case *envSensor:
			v, err := p.read(cctx)
			return result{job: j, value: v, err: err}
		}
		return result{job: j}
	}
	v, err := j.p.Control(cctx, j.method, j.payload)
	return result{job: j, value: v, err: err}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

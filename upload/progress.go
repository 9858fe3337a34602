package upload

import "sync"

// State is the stage a file is in.
type State int

// File states.
const (
	Queued State = iota
	InProgress
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Stats are aggregate counts of files in each state,
// plus the transition that produced them.
type Stats struct {
	Total      int
	Queued     int
	InProgress int
	Completed  int
	Failed     int

	Path  string
	State State
}

// Done is the number of files that have finished, successfully or not.
func (s Stats) Done() int {
	return s.Completed + s.Failed
}

// ProgressFunc receives Stats on every state transition of every file.
// Calls are sequential, from a goroutine of their own,
// so a slow ProgressFunc never holds up uploads.
type ProgressFunc func(Stats)

type progress struct {
	mu    sync.Mutex
	stats Stats
	state map[string]State
	ch    chan Stats
	done  chan struct{}
}

func newProgress(f ProgressFunc, total, retries int) *progress {
	p := &progress{
		stats: Stats{Total: total},
		state: make(map[string]State),
		done:  make(chan struct{}),
	}
	if f == nil {
		close(p.done)
		return p
	}

	// Each file has at most one queued, one final, and retries+1 in-progress transitions,
	// so sends never block.
	p.ch = make(chan Stats, total*(retries+3)+1)
	go func() {
		defer close(p.done)
		for s := range p.ch {
			f(s)
		}
	}()
	return p
}

func (p *progress) transition(path string, to State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if from, ok := p.state[path]; ok {
		p.adjust(from, -1)
	}
	p.state[path] = to
	p.adjust(to, 1)

	if p.ch == nil {
		return
	}
	s := p.stats
	s.Path = path
	s.State = to
	p.ch <- s
}

func (p *progress) adjust(s State, delta int) {
	switch s {
	case Queued:
		p.stats.Queued += delta
	case InProgress:
		p.stats.InProgress += delta
	case Completed:
		p.stats.Completed += delta
	case Failed:
		p.stats.Failed += delta
	}
}

func (p *progress) close() {
	if p.ch != nil {
		close(p.ch)
	}
	<-p.done
}

package docstore

import "sync"

// hub fans committed changes out to per-path listeners.
type hub struct {
	mu        sync.Mutex
	listeners map[string]map[*listener]struct{}
}

func newHub() *hub {
	return &hub{listeners: make(map[string]map[*listener]struct{})}
}

func (h *hub) add(path string, fn func(Snapshot)) *listener {
	l := &listener{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.detach = func() { h.remove(path, l) }

	h.mu.Lock()
	set, ok := h.listeners[path]
	if !ok {
		set = make(map[*listener]struct{})
		h.listeners[path] = set
	}
	set[l] = struct{}{}
	h.mu.Unlock()

	go l.run()
	return l
}

func (h *hub) remove(path string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.listeners[path]
	if !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(h.listeners, path)
	}
}

// publish enqueues snap for every listener on path. It never blocks on a
// callback.
func (h *hub) publish(path string, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners[path] {
		l.push(snap)
	}
}

// closeAll delivers a terminal error to every listener and detaches them.
func (h *hub) closeAll(err error) {
	h.mu.Lock()
	all := h.listeners
	h.listeners = make(map[string]map[*listener]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for l := range set {
			l.push(Snapshot{Err: err})
			l.finish()
		}
	}
}

type listener struct {
	fn     func(Snapshot)
	detach func()

	mu       sync.Mutex
	queue    []Snapshot
	draining bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *listener) push(snap Snapshot) {
	l.mu.Lock()
	l.queue = append(l.queue, snap)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// finish lets the queue drain and then stops the goroutine.
func (l *listener) finish() {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery immediately, dropping queued snapshots.
func (l *listener) Close() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.detach != nil {
			l.detach()
		}
	})
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				draining := l.draining
				l.mu.Unlock()
				if draining {
					return
				}
				break
			}
			next := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			select {
			case <-l.done:
				return
			default:
			}
			l.fn(next)
		}
	}
}

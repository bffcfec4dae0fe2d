package daemon

import (
	"sync"
	"time"
)

// logLine is one entry fanned out to SubscribeLogs clients.
type logLine struct {
	Ts    time.Time
	Level string
	Text  string
}

// maxBacklog bounds how much history a newly-attached subscriber
// replays before following live output.
const maxBacklog = 200

// logSubscriber is one SubscribeLogs client's channel.
type logSubscriber struct {
	ch      chan logLine
	done    chan struct{}
	backlog []logLine
}

// logHub fans a single stream of log lines out to any number of
// SubscribeLogs connections, keeping a bounded backlog so a client that
// attaches late still sees recent history.
type logHub struct {
	mu      sync.Mutex
	subs    map[*logSubscriber]struct{}
	backlog []logLine
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[*logSubscriber]struct{})}
}

// publish is called by the zerolog writer hook for every log line
// emitted by the daemon (see Writer in this file).
func (h *logHub) publish(line logLine) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.backlog = append(h.backlog, line)
	if len(h.backlog) > maxBacklog {
		h.backlog = h.backlog[len(h.backlog)-maxBacklog:]
	}

	for sub := range h.subs {
		select {
		case sub.ch <- line:
		default:
			// Slow subscriber: drop rather than block publishers, which
			// would otherwise stall the orchestrator's own logging.
		}
	}
}

func (h *logHub) subscribe() *logSubscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &logSubscriber{
		ch:      make(chan logLine, 64),
		done:    make(chan struct{}),
		backlog: append([]logLine(nil), h.backlog...),
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *logHub) unsubscribe(sub *logSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	close(sub.done)
}

// Writer adapts logHub to io.Writer so it can be composed into an
// io.MultiWriter alongside the console output, observing every
// line the daemon logs without changing how zerolog itself is used
// elsewhere in loom.
type Writer struct{ hub *logHub }

func (d *Daemon) LogWriter() *Writer { return &Writer{hub: d.logHub} }

func (w *Writer) Write(p []byte) (int, error) {
	w.hub.publish(logLine{Ts: time.Now().UTC(), Level: "info", Text: string(p)})
	return len(p), nil
}

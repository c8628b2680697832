package agentapi

import (
	"sync"

	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// subscriberBuffer bounds each PTY subscriber's queue. A slow subscriber
// drops frames rather than stalling the agent stream reader.
const subscriberBuffer = 64

// PtyBroker fans PTY output frames out to websocket subscribers. Frames
// for a pty with no subscribers are dropped with a debug log.
type PtyBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
	log  *logger.Logger
}

// NewPtyBroker creates an empty broker.
func NewPtyBroker(log *logger.Logger) *PtyBroker {
	return &PtyBroker{
		subs: make(map[string]map[chan []byte]struct{}),
		log:  log,
	}
}

// Subscribe registers a sink for a pty's output. The returned cancel
// function removes the subscription and closes the channel.
func (b *PtyBroker) Subscribe(ptyID string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	if b.subs[ptyID] == nil {
		b.subs[ptyID] = make(map[chan []byte]struct{})
	}
	b.subs[ptyID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[ptyID]; ok {
			if _, subscribed := set[ch]; subscribed {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, ptyID)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a frame to every subscriber of the pty. Full subscriber
// queues drop the frame for that subscriber only.
func (b *PtyBroker) Publish(ptyID string, data []byte) {
	b.mu.Lock()
	set := b.subs[ptyID]
	if len(set) == 0 {
		b.mu.Unlock()
		b.log.Debug("pty output with no subscribers", "pty_id", ptyID, "bytes", len(data))
		return
	}
	for ch := range set {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.Unlock()
}

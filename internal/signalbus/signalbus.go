// Package signalbus implements the typed publisher/subscriber bus
// named in spec §5.4: a fixed vocabulary of signal kinds, each carrying
// a specific payload shape, fanned out to every current subscriber of
// that kind.
//
// It generalizes the teacher's channel-based notification idiom
// (internal/fs/change_notifier.go's `Notifications() <-chan struct{}`)
// from a single anonymous channel into a registry of channels keyed by
// signal kind, since the engine has nine distinct signal identifiers
// rather than one.
package signalbus

import "sync"

// Kind enumerates the signal identifiers named in spec §5.4. The names
// are the contract: every producer and consumer in the engine refers to
// signals by Kind, never by payload shape alone.
type Kind int

const (
	NodeUpsertedInCache Kind = iota
	NodeRemovedInCache
	NodeUpserted
	NodeRemoved
	TreeLoadStateUpdated
	CommandComplete
	DeregisterDisplayTree
	NodeNeedsSigCalc
	DownloadFromGDriveDone
)

func (k Kind) String() string {
	switch k {
	case NodeUpsertedInCache:
		return "NODE_UPSERTED_IN_CACHE"
	case NodeRemovedInCache:
		return "NODE_REMOVED_IN_CACHE"
	case NodeUpserted:
		return "NODE_UPSERTED"
	case NodeRemoved:
		return "NODE_REMOVED"
	case TreeLoadStateUpdated:
		return "TREE_LOAD_STATE_UPDATED"
	case CommandComplete:
		return "COMMAND_COMPLETE"
	case DeregisterDisplayTree:
		return "DEREGISTER_DISPLAY_TREE"
	case NodeNeedsSigCalc:
		return "NODE_NEEDS_SIG_CALC"
	case DownloadFromGDriveDone:
		return "DOWNLOAD_FROM_GDRIVE_DONE"
	default:
		return "UNKNOWN_SIGNAL"
	}
}

// Signal is one published event: Kind plus an untyped payload whose
// concrete type is a contract between each Kind's producers and
// consumers (documented alongside each Kind's producer).
type Signal struct {
	Kind    Kind
	Payload interface{}
}

// subscription is a registered receiver: either a buffered channel (the
// default) or, set via Filter, only delivered when Filter returns true.
type subscription struct {
	ch     chan Signal
	filter func(Signal) bool
}

// Bus fans out Publish calls to every current Subscribe-r of a Kind.
// A slow subscriber never blocks Publish: channels are buffered and a
// full channel drops the newest signal for that subscriber rather than
// stalling the publisher, matching the teacher's non-blocking
// best-effort notification channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]*subscription)}
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Subscribe registers a new receiver for kind, returning a channel that
// receives every Publish-ed Signal of that kind until Unsubscribe is
// called with the same channel.
func (b *Bus) Subscribe(kind Kind) <-chan Signal {
	return b.subscribeFiltered(kind, nil)
}

// SubscribeFiltered is like Subscribe, but only delivers signals for
// which filter returns true — used by the Active Tree Manager to relay
// NODE_UPSERTED_IN_CACHE into per-tree_id NODE_UPSERTED signals without
// every display tree re-filtering the full firehose itself.
func (b *Bus) SubscribeFiltered(kind Kind, filter func(Signal) bool) <-chan Signal {
	return b.subscribeFiltered(kind, filter)
}

func (b *Bus) subscribeFiltered(kind Kind, filter func(Signal) bool) <-chan Signal {
	sub := &subscription{ch: make(chan Signal, DefaultBufferSize), filter: filter}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes ch from kind's receiver list and closes it. It is
// a no-op if ch is not currently subscribed to kind.
func (b *Bus) Unsubscribe(kind Kind, ch <-chan Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, sub := range subs {
		if channelsEqual(sub.ch, ch) {
			close(sub.ch)
			b.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of kind whose
// filter (if any) accepts it.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	sig := Signal{Kind: kind, Payload: payload}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[kind]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(sig) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			// Best-effort: a backed-up subscriber misses this signal
			// rather than stalling every other subscriber and the
			// publisher itself.
		}
	}
}

func channelsEqual(a chan Signal, b <-chan Signal) bool {
	var anyA <-chan Signal = a
	return anyA == b
}

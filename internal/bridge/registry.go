package bridge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionInfo is a point in time view of a registered session.
type SessionInfo struct {
	ID             string          `json:"id"`
	StreamKey      string          `json:"streamKey"`
	RoomID         int64           `json:"roomId"`
	JanusSessionID uint64          `json:"janusSessionId"`
	JanusHandleID  uint64          `json:"janusHandleId"`
	PublisherID    uint64          `json:"publisherId,omitempty"`
	Ports          ForwardingPorts `json:"ports"`
	HLSURL         string          `json:"hlsUrl"`
	StartedAt      time.Time       `json:"startedAt"`
}

type session struct {
	info     SessionInfo
	engine   Negotiator
	pipeline Pipeline
	// exited is set once the pipeline reported its exit.
	exited bool
}

// reservation is a start that has not committed yet. done is closed once the
// start either committed or released everything it acquired.
type reservation struct {
	streamKey string
	cancel    context.CancelFunc
	stopped   bool
	done      chan struct{}
}

// registry maps stream keys to live sessions. The same mutex guards pending
// starts and the port allocator so a block can never be handed to two
// sessions.
type registry struct {
	mu      sync.Mutex
	entries map[string]*session
	pending map[string]*reservation
	ports   *portAllocator
	closed  bool
}

func newRegistry(ports *portAllocator) *registry {
	return &registry{
		entries: make(map[string]*session),
		pending: make(map[string]*reservation),
		ports:   ports,
	}
}

// reserve marks streamKey as starting; cancel aborts the start if a stop for
// the key arrives first. A live entry for the key is removed and returned so
// the caller can stop it. Its ports stay held until releasePorts.
func (r *registry) reserve(streamKey string, cancel context.CancelFunc) (*reservation, *session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrShuttingDown
	}
	if _, busy := r.pending[streamKey]; busy {
		return nil, nil, ErrStartInFlight
	}
	res := &reservation{streamKey: streamKey, cancel: cancel, done: make(chan struct{})}
	r.pending[streamKey] = res
	prior, ok := r.entries[streamKey]
	if !ok {
		return res, nil, nil
	}
	delete(r.entries, streamKey)
	return res, prior, nil
}

func (r *registry) allocate(now time.Time) (ForwardingPorts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports.allocate(now)
}

// releasePorts returns a block once the pipeline bound to it has stopped.
func (r *registry) releasePorts(ports ForwardingPorts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports.release(ports)
}

// abandon drops the reservation of a failed start and returns its ports. The
// caller must have stopped the start's pipeline already.
func (r *registry) abandon(res *reservation, ports ForwardingPorts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[res.streamKey] == res {
		delete(r.pending, res.streamKey)
	}
	r.ports.release(ports)
	close(res.done)
}

// commit publishes s. It fails when the start was stopped, the pipeline
// already exited or the registry was closed meanwhile; the caller must then
// abandon the start.
func (r *registry) commit(res *reservation, s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case res.stopped:
		return ErrStartStopped
	case r.closed:
		return ErrShuttingDown
	case s.exited:
		return ErrPipelineExited
	}
	delete(r.pending, res.streamKey)
	r.entries[res.streamKey] = s
	close(res.done)
	return nil
}

// stoppedDuringStart reports whether remove hit res before it committed.
func (r *registry) stoppedDuringStart(res *reservation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return res.stopped
}

// remove takes the live entry for streamKey out of the registry; its ports
// stay held until releasePorts. When only a start is in flight for the key,
// that start is cancelled instead and its reservation is returned so the
// caller can wait for it to unwind.
func (r *registry) remove(streamKey string) (*session, *reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.entries[streamKey]; ok {
		delete(r.entries, streamKey)
		return s, nil
	}
	res, ok := r.pending[streamKey]
	if !ok {
		return nil, nil
	}
	res.stopped = true
	res.cancel()
	return nil, res
}

// markExited records a pipeline exit and removes s if it is still the entry
// registered for its key.
func (r *registry) markExited(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.exited = true
	current, ok := r.entries[s.info.StreamKey]
	if !ok || current != s {
		return false
	}
	delete(r.entries, s.info.StreamKey)
	r.ports.release(s.info.Ports)
	return true
}

// close rejects further starts and removes every entry. Ports stay held
// until each teardown releases them.
func (r *registry) close() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	drained := make([]*session, 0, len(r.entries))
	for key, s := range r.entries {
		drained = append(drained, s)
		delete(r.entries, key)
	}
	return drained
}

func (r *registry) lookup(streamKey string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[streamKey]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}

func (r *registry) snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.entries))
	for _, s := range r.entries {
		infos = append(infos, s.info)
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StreamKey < infos[j].StreamKey
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

func (r *registry) portsInUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports.inUse()
}

package bridge

import (
	"fmt"
	"net"
	"time"
)

// portsPerBlock covers RTP and RTCP for video followed by audio.
const portsPerBlock = 4

// PortRange is the inclusive UDP range forwarding blocks are carved from.
type PortRange struct {
	Min int
	Max int
}

// Validate reports whether the range can host at least one block.
func (r PortRange) Validate() error {
	if r.Min <= 0 || r.Max > 65535 {
		return fmt.Errorf("invalid port range %d-%d", r.Min, r.Max)
	}
	if r.Min >= r.Max {
		return fmt.Errorf("port range minimum %d must be below maximum %d", r.Min, r.Max)
	}
	if r.blocks() == 0 {
		return fmt.Errorf("port range %d-%d is too small for one forwarding block", r.Min, r.Max)
	}
	return nil
}

func (r PortRange) first() int {
	if r.Min%2 != 0 {
		return r.Min + 1
	}
	return r.Min
}

func (r PortRange) blocks() int {
	span := r.Max - r.first() + 1
	if span < portsPerBlock {
		return 0
	}
	return span / portsPerBlock
}

// ForwardingPorts are the local ports one session receives media on. Video is
// even and Audio is Video+2; the odd ports after each carry RTCP.
type ForwardingPorts struct {
	Video       int       `json:"videoPort"`
	Audio       int       `json:"audioPort"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

func (p ForwardingPorts) zero() bool {
	return p.Video == 0
}

// portAllocator hands out forwarding blocks from a rotating cursor. It is not
// safe for concurrent use; the registry lock guards it.
type portAllocator struct {
	ports  PortRange
	cursor int
	held   map[int]struct{}
	// free optionally checks that the operating system has not bound a port.
	free func(port int) bool
}

func newPortAllocator(ports PortRange, probe bool) (*portAllocator, error) {
	if err := ports.Validate(); err != nil {
		return nil, err
	}
	a := &portAllocator{ports: ports, held: make(map[int]struct{})}
	if probe {
		a.free = udpPortFree
	}
	return a, nil
}

func (a *portAllocator) allocate(now time.Time) (ForwardingPorts, error) {
	blocks := a.ports.blocks()
	for i := 0; i < blocks; i++ {
		index := (a.cursor + i) % blocks
		video := a.ports.first() + index*portsPerBlock
		if _, taken := a.held[video]; taken {
			continue
		}
		if a.free != nil && !(a.free(video) && a.free(video+2)) {
			continue
		}
		a.held[video] = struct{}{}
		a.cursor = (index + 1) % blocks
		return ForwardingPorts{Video: video, Audio: video + 2, AllocatedAt: now}, nil
	}
	return ForwardingPorts{}, fmt.Errorf("%w in %d-%d", ErrPortsExhausted, a.ports.Min, a.ports.Max)
}

func (a *portAllocator) release(ports ForwardingPorts) {
	if ports.zero() {
		return
	}
	delete(a.held, ports.Video)
}

func (a *portAllocator) inUse() int {
	return len(a.held)
}

func udpPortFree(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

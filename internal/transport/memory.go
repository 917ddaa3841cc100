package transport

import (
	"context"
	"fmt"
	"sync"
)

// PipeEnd is one side of an in-memory link. Frames sent on one end are
// delivered in order to the receiver bound to the other.
type PipeEnd struct {
	mu       sync.Mutex
	peer     *PipeEnd
	receiver Receiver
	up       bool
	queue    chan []byte
	done     chan struct{}
}

// Pipe returns two connected ends. The link starts down; call Connect
// after binding both receivers.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{queue: make(chan []byte, 1024), done: make(chan struct{})}
	b := &PipeEnd{queue: make(chan []byte, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

// Bind sets the receiver for frames arriving at this end.
func (p *PipeEnd) Bind(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

// Send queues a frame for the other end.
func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	up := p.up
	p.mu.Unlock()
	if !up {
		return fmt.Errorf("%w: pipe is down", ErrTransportFailure)
	}
	frame := append([]byte(nil), data...)
	select {
	case p.peer.queue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.peer.done:
		return fmt.Errorf("%w: pipe closed", ErrTransportFailure)
	}
}

// Connect brings both ends up and notifies their receivers.
func (p *PipeEnd) Connect() {
	ends := []*PipeEnd{p, p.peer}
	receivers := make([]Receiver, 0, 2)
	for _, end := range ends {
		end.mu.Lock()
		end.up = true
		receivers = append(receivers, end.receiver)
		end.mu.Unlock()
	}
	for _, r := range receivers {
		if r != nil {
			r.HandleConnected()
		}
	}
}

// Disconnect takes both ends down. Frames already queued are discarded.
func (p *PipeEnd) Disconnect() {
	ends := []*PipeEnd{p, p.peer}
	receivers := make([]Receiver, 0, 2)
	for _, end := range ends {
		end.mu.Lock()
		end.up = false
		receivers = append(receivers, end.receiver)
		end.mu.Unlock()
	}
	for _, end := range ends {
	drain:
		for {
			select {
			case <-end.queue:
			default:
				break drain
			}
		}
	}
	for _, r := range receivers {
		if r != nil {
			r.HandleDisconnected(fmt.Errorf("%w: pipe disconnected", ErrTransportFailure))
		}
	}
}

// Close stops delivery on both ends.
func (p *PipeEnd) Close() {
	for _, end := range []*PipeEnd{p, p.peer} {
		end.mu.Lock()
		select {
		case <-end.done:
		default:
			close(end.done)
		}
		end.up = false
		end.mu.Unlock()
	}
}

func (p *PipeEnd) deliver() {
	for {
		select {
		case frame := <-p.queue:
			p.mu.Lock()
			r, up := p.receiver, p.up
			p.mu.Unlock()
			if r != nil && up {
				r.HandleData(frame)
			}
		case <-p.done:
			return
		}
	}
}

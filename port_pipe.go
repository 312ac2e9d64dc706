package sharedws

import (
	"context"
	"sync"
)

const pipeBufferSize = 64

// pipe is a bidirectional in-memory channel shared by two pipePorts.
type pipe struct {
	closeOnce sync.Once
	closed    chan struct{}
}

type pipePort struct {
	pipe      *pipe
	inbox     chan Envelope
	peer      *pipePort
	startOnce sync.Once
}

// Pipe returns two connected ports. Closing either end closes both.
func Pipe() (Port, Port) {
	p := &pipe{closed: make(chan struct{})}
	a := &pipePort{pipe: p, inbox: make(chan Envelope, pipeBufferSize)}
	b := &pipePort{pipe: p, inbox: make(chan Envelope, pipeBufferSize)}
	a.peer, b.peer = b, a
	return a, b
}

// PipeDialer returns a PortDialer that hands one end of a fresh Pipe to the caller and the other to
// accept, typically Broker.AcceptConsumer wrapped to drop its result.
func PipeDialer(accept func(Port)) PortDialer {
	return func(ctx context.Context) (Port, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local, remote := Pipe()
		accept(remote)
		return local, nil
	}
}

func (p *pipePort) Start(onMessage func(Envelope), onClose func(error)) {
	p.startOnce.Do(func() {
		go p.run(onMessage, onClose)
	})
}

func (p *pipePort) run(onMessage func(Envelope), onClose func(error)) {
	for {
		select {
		case e := <-p.inbox:
			onMessage(e)
		case <-p.pipe.closed:
			if onClose != nil {
				onClose(ErrPortClosed)
			}
			return
		}
	}
}

// Post never blocks: when the peer has stopped draining its inbox the envelope is rejected with
// ErrPortOverflow.
func (p *pipePort) Post(e Envelope) error {
	select {
	case <-p.pipe.closed:
		return ErrPortClosed
	default:
	}

	select {
	case p.peer.inbox <- e:
		return nil
	default:
		return ErrPortOverflow
	}
}

func (p *pipePort) Close() error {
	p.pipe.closeOnce.Do(func() {
		close(p.pipe.closed)
	})
	return nil
}

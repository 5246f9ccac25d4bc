package amqp

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("channel pool is closed")

// pooledChannel is an AMQP channel borrowed from the channelPool. It must be
// returned with release. Set broken when the channel returned an error, so
// that it is closed instead of re-used.
type pooledChannel struct {
	*amqp.Channel
	broken bool
}

// channelPool keeps up to size idle channels of a single AMQP connection.
type channelPool struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	idle   []*amqp.Channel
	size   int
	closed bool
}

func dialChannelPool(url string, size int) (*channelPool, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp server error")
	}

	p := channelPool{
		conn: conn,
		size: size,
	}

	go p.watchConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return &p, nil
}

// acquire returns an idle channel, or opens a new one when none is idle.
func (p *channelPool) acquire() (*pooledChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errClosed
	}

	if n := len(p.idle); n != 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		poolIdleGauge().Set(float64(len(p.idle)))
		return &pooledChannel{Channel: ch}, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel error")
	}
	return &pooledChannel{Channel: ch}, nil
}

// release returns the channel to the pool. Broken channels, and channels
// exceeding the pool size, are closed.
func (p *channelPool) release(ch *pooledChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch.broken || p.closed || len(p.idle) >= p.size {
		if err := ch.Close(); err != nil && err != amqp.ErrClosed {
			log.WithError(err).Warning("integration/amqp: close channel error")
		}
		return
	}

	p.idle = append(p.idle, ch.Channel)
	poolIdleGauge().Set(float64(len(p.idle)))
}

func (p *channelPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, ch := range p.idle {
		ch.Close()
	}
	p.idle = nil
	poolIdleGauge().Set(0)

	if err := p.conn.Close(); err != nil && err != amqp.ErrClosed {
		return errors.Wrap(err, "close connection error")
	}
	return nil
}

func (p *channelPool) watchConnection(closeChan chan *amqp.Error) {
	err, ok := <-closeChan
	if !ok || err == nil {
		return
	}

	log.WithError(err).Error("integration/amqp: connection closed by server")

	p.mu.Lock()
	p.idle = nil
	p.mu.Unlock()
	poolIdleGauge().Set(0)
}

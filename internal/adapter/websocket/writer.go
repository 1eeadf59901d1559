package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	maxMessageSize    = 64 * 1024
	messageBufferSize = 16
)

// clientWriter owns all writes to one socket. Frames are queued and written
// by a single goroutine so senders never block on a slow client.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	metrics     *metrics.WebSocketMetrics
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		metrics:     m,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.configureReadSide()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = cw.connection.Close()
				return
			}
			cw.metrics.Sent(cw.clock.Since(start))
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.metrics.PingFailed()
				_ = cw.connection.Close()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue never blocks. A full buffer means the client cannot keep up.
func (cw *clientWriter) enqueue(msg []byte) error {
	select {
	case <-cw.doneChannel:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return nil
	case <-cw.doneChannel:
		return domain.ErrConnectionClosed
	default:
		return domain.ErrSlowClient
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// No concurrent writes: the run goroutine must be gone first.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configureReadSide() {
	cw.connection.SetReadLimit(maxMessageSize)
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// transport adapts a clientWriter to domain.Transport.
type transport struct {
	writer *clientWriter
}

func (t *transport) SendRaw(frame []byte) error {
	err := t.writer.enqueue(frame)
	if errors.Is(err, domain.ErrSlowClient) {
		t.writer.metrics.Evicted()
		go t.writer.stopGraceful(websocket.ClosePolicyViolation, "slow client")
	}
	return err
}

func (t *transport) Close() error {
	go t.writer.stopGraceful(websocket.CloseGoingAway, "server shutting down")
	return nil
}

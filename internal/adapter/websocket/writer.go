package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	maxMessageSize = 4096

	// controlHeadroom leaves room for acks and pongs on top of one tick's burst.
	controlHeadroom = 16
)

// SendBufferSize is the queue length needed to absorb one broadcast tick for
// a client subscribed to every listed asset: one price_update plus up to topN
// coin_updates, plus control replies.
func SendBufferSize(topN int) int {
	return topN + 1 + controlHeadroom
}

var (
	errSlowClient   = errors.New("client send buffer full")
	errWriterClosed = errors.New("client writer closed")
)

// clientWriter owns all writes to one connection. Send only enqueues, so a
// slow client fails its own sends instead of stalling the broadcaster.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	dead        atomic.Bool
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, bufferSize int) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, bufferSize),
		doneChannel: make(chan struct{}),
	}
	connection.SetReadLimit(maxMessageSize)
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// Send queues msg for the writer goroutine. It fails when the buffer is full
// or the writer has stopped.
func (cw *clientWriter) Send(msg []byte) error {
	if cw.dead.Load() {
		return errWriterClosed
	}
	select {
	case <-cw.doneChannel:
		return errWriterClosed
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return nil
	default:
		return errSlowClient
	}
}

// Close sends a normal close frame and closes the socket. Safe to call twice.
func (cw *clientWriter) Close() error {
	cw.closeWith(websocket.CloseNormalClosure, "connection closed")
	return nil
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.fail()
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.fail()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// fail marks the writer dead and closes the socket so the read loop ends too.
func (cw *clientWriter) fail() {
	cw.dead.Store(true)
	_ = cw.connection.Close()
}

// closeWith stops the writer goroutine before writing the close frame, so the
// connection never sees concurrent writes.
func (cw *clientWriter) closeWith(code int, reason string) {
	cw.stopOnce.Do(func() {
		cw.dead.Store(true)
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
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

package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a single message to a client.
	writeWait = 10 * time.Second

	// Outbound queue per connection. Broadcasts drop messages for clients
	// whose queue is full rather than blocking the sender; directory
	// snapshots are periodic state, so a dropped one self-corrects.
	sendQueueSize = 256
)

// peer wraps one websocket connection. The id is server-assigned and is the
// identity that appears in room membership and directory snapshots.
type peer struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(id string, conn *websocket.Conn, log *slog.Logger) *peer {
	return &peer{
		id:   id,
		conn: conn,
		log:  log,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues an outbound message without blocking. Messages for closed
// or backlogged peers are dropped; delivery is fire-and-forget.
func (p *peer) enqueue(msg []byte) {
	select {
	case <-p.done:
	case p.send <- msg:
	default:
		p.log.Warn("dropping message for slow client", "peer", p.id)
	}
}

// close signals the write loop to send a close frame and exit. Safe to call
// more than once.
func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// writeLoop is the single writer for the connection. It drains the send
// queue and emits keepalive pings until the peer is closed or a write fails.
func (p *peer) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

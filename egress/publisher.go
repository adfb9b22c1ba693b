// Package egress maintains the long-lived outbound stream that
// publishes fusion estimates, reconnecting on loss without buffering
// anything that failed to send.
package egress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fusiontrack/fusionloop"
	"fusiontrack/internal/obslog"
)

// reconnectBackoff is the pause between a failed dial or send and the
// next attempt.
const reconnectBackoff = 1 * time.Second

// Publisher forwards estimates over a websocket connection to url. It
// implements fusionloop.Publisher.
type Publisher struct {
	url string
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a publisher targeting url (a ws:// or wss:// URL, or a
// bare host:port which is treated as ws://).
func New(url string) *Publisher {
	return &Publisher{url: normalizeURL(url), log: obslog.For("egress")}
}

func normalizeURL(addr string) string {
	if len(addr) >= 5 && addr[:5] == "ws://" {
		return addr
	}
	if len(addr) >= 6 && addr[:6] == "wss://" {
		return addr
	}
	return "ws://" + addr
}

// Run owns the connection lifecycle: dial, and on any failure sleep
// reconnectBackoff and redial. It blocks until stop is closed.
func (p *Publisher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		connID := uuid.New().String()
		conn, _, err := websocket.DefaultDialer.Dial(p.url, nil)
		if err != nil {
			p.log.Warn().Err(err).Str("url", p.url).Msg("egress dial failed")
			sleepOrStop(reconnectBackoff, stop)
			continue
		}
		p.log.Info().Str("conn", connID).Msg("egress connected")

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		waitForClose(conn, stop)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		sleepOrStop(reconnectBackoff, stop)
	}
}

// waitForClose blocks reading from conn (ignoring any inbound data)
// until the connection errors out or stop is closed, so Run can
// detect the disconnect and redial.
func waitForClose(conn *websocket.Conn, stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-stop:
		conn.Close()
		<-done
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	select {
	case <-time.After(d):
	case <-stop:
	}
}

// Publish sends one estimate as a compact "<lon>,<lat>" text record.
// If there is no live connection, or the send fails, the estimate is
// dropped; Publish never blocks waiting for a reconnect.
func (p *Publisher) Publish(e fusionloop.Estimate) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		p.log.Warn().Msg("no egress connection, dropping estimate")
		return
	}

	msg := fmt.Sprintf("%g,%g", e.Lon, e.Lat)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		p.log.Warn().Err(err).Msg("egress send failed, dropping estimate")
		conn.Close()
	}
}

package core

// WSBlockSource is a reference BlockSource backed by a gorilla/websocket
// connection to a block-feed endpoint, for deployments where the wallet
// daemon exposes blocks over a websocket subscription rather than an
// in-process callback. Grounded on the teacher's core/network.go dial/read
// loop (reconnect-aware read goroutine feeding a buffered channel) and the
// pack's SAGE-X session transport, adapted here to JSON-decode Block
// frames instead of the teacher's gossip wire format.

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSBlockSource dials a single websocket endpoint and decodes each inbound
// text/binary frame as a JSON-encoded Block.
type WSBlockSource struct {
	conn *websocket.Conn
	log  *logrus.Logger

	ch   chan Block
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// DialWSBlockSource connects to url and starts the background read loop.
func DialWSBlockSource(url string, log *logrus.Logger) (*WSBlockSource, error) {
	if log == nil {
		log = logrus.New()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	s := &WSBlockSource{
		conn: conn,
		log:  log,
		ch:   make(chan Block, 128),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *WSBlockSource) readLoop() {
	defer s.closeOnce(nil)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.closeOnce(err)
			return
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			s.log.WithError(err).Warn("wsblocksource: dropping malformed frame")
			continue
		}
		select {
		case s.ch <- b:
		case <-s.done:
			return
		case <-time.After(5 * time.Second):
			s.log.Warn("wsblocksource: consumer too slow, dropping block")
		}
	}
}

func (s *WSBlockSource) Blocks() <-chan Block { return s.ch }

func (s *WSBlockSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *WSBlockSource) Close() error {
	s.closeOnce(nil)
	return s.conn.Close()
}

func (s *WSBlockSource) closeOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}

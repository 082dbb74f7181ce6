// Package enginetest provides a scripted stand-in for the simulation server
// so transport and session code can be exercised over a real websocket.
package enginetest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lanesim/internal/net/proto"
)

// Command is an outbound client message as seen by the engine.
type Command struct {
	ConnID string
	Msg    proto.Outbound
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// Engine accepts websocket clients on /ws, assigns each a fresh uuid and,
// unless Silent is set, identifies the client immediately.
type Engine struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	silent   bool

	mu    sync.Mutex
	peers map[string]*peer

	conns    chan string
	commands chan Command
}

type Option func(*Engine)

// Silent disables the automatic identify message.
func Silent() Option {
	return func(e *Engine) { e.silent = true }
}

// New starts an engine that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Engine {
	t.Helper()
	e := &Engine{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:    make(map[string]*peer),
		conns:    make(chan string, 16),
		commands: make(chan Command, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handle)
	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.Close)
	return e
}

// URL is the websocket endpoint clients dial.
func (e *Engine) URL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	p := &peer{conn: conn}
	e.mu.Lock()
	e.peers[id] = p
	e.mu.Unlock()

	if !e.silent {
		if payload, err := proto.EncodeInbound(proto.Identify{ClientID: id}); err == nil {
			p.write(payload)
		}
	}
	e.conns <- id

	defer func() {
		e.mu.Lock()
		delete(e.peers, id)
		e.mu.Unlock()
		conn.Close()
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeOutbound(payload)
		if err != nil {
			continue
		}
		select {
		case e.commands <- Command{ConnID: id, Msg: msg}:
		default:
		}
	}
}

// NextConn waits for the next client connection and returns its id.
func (e *Engine) NextConn(t testing.TB) string {
	t.Helper()
	select {
	case id := <-e.conns:
		return id
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a client connection")
		return ""
	}
}

// NextCommand waits for the next command sent by any client.
func (e *Engine) NextCommand(t testing.TB) Command {
	t.Helper()
	select {
	case cmd := <-e.commands:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a client command")
		return Command{}
	}
}

// Send writes msg to the client connected as connID.
func (e *Engine) Send(connID string, msg proto.Inbound) error {
	payload, err := proto.EncodeInbound(msg)
	if err != nil {
		return err
	}
	return e.SendRaw(connID, payload)
}

// SendRaw writes an arbitrary text frame to the client.
func (e *Engine) SendRaw(connID string, payload []byte) error {
	e.mu.Lock()
	p, ok := e.peers[connID]
	e.mu.Unlock()
	if !ok {
		return errors.New("enginetest: unknown connection " + connID)
	}
	return p.write(payload)
}

// Drop closes the client's connection from the server side.
func (e *Engine) Drop(connID string) {
	e.mu.Lock()
	p, ok := e.peers[connID]
	e.mu.Unlock()
	if ok {
		p.conn.Close()
	}
}

// Close drops every client and stops the server.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, p := range e.peers {
		p.conn.Close()
	}
	e.mu.Unlock()
	e.srv.CloseClientConnections()
	e.srv.Close()
}

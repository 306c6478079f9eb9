// Package control implements the optional line-delimited JSON control
// channel over a Unix domain socket (spec.md §6): one tagged JSON object per
// line, read side dispatching commands to the supervisor, write side
// broadcasting lifecycle notifications to every connected client. The
// listener/per-connection goroutine shape follows
// internal/transport/server.go's ListenAndServe, adapted from HTTP-over-unix
// to a persistent line protocol.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Message is the wire shape: a tagged union distinguished by Tag.
// {"tag":"Exit"} is the only client->server command; {"tag":"Reload"} and
// {"tag":"Exit"} are the server->client notifications (spec.md §6).
// Reload carries the batch's diagnostics, sorted in spec.md §3's
// presentation order, so an editor client can jump to them without also
// parsing the error log file.
type Message struct {
	Tag         string       `json:"tag"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Diagnostic is the wire shape of one compiler message, decoupled from
// internal/diagnostic.Diagnostic's pointer fields so this package's JSON
// contract doesn't shift with that package's internals.
type Diagnostic struct {
	Path     string `json:"path,omitempty"`
	Line     uint32 `json:"line,omitempty"`
	Col      uint32 `json:"col,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

const (
	TagExit   = "Exit"
	TagReload = "Reload"
)

// Commands are notifications the read loop forwards to whoever's driving
// the supervisor.
type Command struct {
	ConnID uuid.UUID
	Tag    string
}

// Server accepts connections on a Unix socket, broadcasts notifications to
// all of them, and forwards every command line read from any of them onto
// Commands().
type Server struct {
	socketPath string
	log        *slog.Logger

	commands chan Command

	mu    sync.Mutex
	conns map[uuid.UUID]chan Message
}

// New builds a Server that will listen on socketPath once Run is called.
func New(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		log:        logger,
		commands:   make(chan Command, 16),
		conns:      make(map[uuid.UUID]chan Message),
	}
}

// Commands returns the channel commands read from any connection are
// forwarded to.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// Run listens until ctx is canceled, accepting connections and dispatching
// each to its own read/write goroutine pair.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		id := uuid.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, id, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, id uuid.UUID, conn net.Conn) {
	defer conn.Close()
	log := s.log.With("conn", id.String())
	log.Info("control connection opened")

	out := make(chan Message, 16)
	s.mu.Lock()
	s.conns[id] = out
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		log.Info("control connection closed")
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn, out)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(ctx, id, conn, log)
	}()
	wg.Wait()
}

func (s *Server) readLoop(ctx context.Context, id uuid.UUID, conn net.Conn, log *slog.Logger) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn("malformed control message", "error", err)
			continue
		}
		select {
		case s.commands <- Command{ConnID: id, Tag: msg.Tag}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, out <-chan Message) {
	enc := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}
}

// Broadcast sends msg to every currently-connected client, dropping it for
// any client whose outbound buffer is full rather than blocking the others.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.conns {
		select {
		case out <- msg:
		default:
		}
	}
}

// NotifyReload broadcasts a Reload lifecycle notification carrying the
// batch's diagnostics.
func (s *Server) NotifyReload(diagnostics []Diagnostic) {
	s.Broadcast(Message{Tag: TagReload, Diagnostics: diagnostics})
}

// NotifyExit broadcasts an Exit lifecycle notification.
func (s *Server) NotifyExit() {
	s.Broadcast(Message{Tag: TagExit})
}

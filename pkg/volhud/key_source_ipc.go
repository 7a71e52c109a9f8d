package volhud

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Local key channel: line-delimited JSON KeyEvents over a unix socket.
// Every line is answered with a keyResponse

type keyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// socketSource accepts key events from local clients (hotkey daemons, scripts,
// the -send-key flag)
type socketSource struct {
	logger *zap.SugaredLogger
	path   string
}

func NewSocketKeySource(logger *zap.SugaredLogger, path string) KeySource {
	return &socketSource{
		logger: logger.Named("key_socket"),
		path:   path,
	}
}

func (s *socketSource) Name() string {
	return "socket"
}

func (s *socketSource) Run(ctx context.Context, events chan<- KeyEvent) error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	defer os.Remove(s.path)

	// unblocks Accept
	stopListening := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stopListening()

	s.logger.Debugw("Key socket listening", "socket", s.path)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.logger.Warnw("Key socket accept error", "error", err)
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleConnection(ctx, conn, events)
		}()
	}
}

func (s *socketSource) handleConnection(ctx context.Context, conn net.Conn, events chan<- KeyEvent) {
	defer conn.Close()

	stopConn := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopConn()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var event KeyEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			s.respond(encoder, keyResponse{Status: "error", Error: fmt.Sprintf("parse key event: %v", err)})
			continue
		}

		if event.Timestamp == 0 {
			event.Timestamp = time.Now().UnixNano()
		}
		if event.Raw == 0 {
			event.Raw = packKeyPayload(evKey, event.Code, event.State)
		}

		select {
		case events <- event:
			s.respond(encoder, keyResponse{Status: "ok"})
		case <-ctx.Done():
			return
		}
	}
}

func (s *socketSource) respond(encoder *json.Encoder, response keyResponse) {
	if err := encoder.Encode(response); err != nil {
		s.logger.Debugw("Failed to answer key socket client", "error", err)
	}
}

// SendKeyEvent delivers one key event to a running instance's key socket
func SendKeyEvent(socketPath string, event KeyEvent) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(event); err != nil {
		return fmt.Errorf("send key event: %w", err)
	}

	var response keyResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if response.Status != "ok" {
		return fmt.Errorf("key socket error: %s", response.Error)
	}

	return nil
}

package volhud

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// keyboards are picked up from here when no devices are configured
const defaultKeyDeviceGlob = "/dev/input/by-path/*-event-kbd"

// inputEvent is struct input_event on 64-bit Linux
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// evdevSource reads key events straight from input devices, so it sees
// presses no matter which window has focus
type evdevSource struct {
	logger *zap.SugaredLogger
	paths  []string
}

func NewEvdevKeySource(logger *zap.SugaredLogger, paths []string) KeySource {
	return &evdevSource{
		logger: logger.Named("evdev"),
		paths:  funk.UniqString(paths),
	}
}

func (s *evdevSource) Name() string {
	return "evdev"
}

func (s *evdevSource) Run(ctx context.Context, events chan<- KeyEvent) error {
	paths := s.paths
	if len(paths) == 0 {
		found, err := filepath.Glob(defaultKeyDeviceGlob)
		if err != nil {
			return fmt.Errorf("find keyboards: %w", err)
		}
		paths = found
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	fdToPath := make(map[int]string)
	defer func() {
		for fd := range fdToPath {
			_ = unix.Close(fd)
		}
	}()

	for _, path := range paths {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			s.logger.Warnw("Failed to open input device", "path", path, "error", err)
			continue
		}

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			_ = unix.Close(fd)
			s.logger.Warnw("Failed to watch input device", "path", path, "error", err)
			continue
		}

		fdToPath[fd] = path
	}

	if len(fdToPath) == 0 {
		return errors.New("no readable input devices")
	}

	s.logger.Debugw("Reading key events", "devices", funk.Values(fdToPath))

	const (
		maxEvents = 32
		// epoll_wait timeout, so cancellation is noticed
		waitMillis = 200
	)

	epollEvents := make([]unix.EpollEvent, maxEvents)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize*64)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, waitMillis)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				s.logger.Warnw("Input device went away", "path", fdToPath[fd])

				_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
				_ = unix.Close(fd)
				delete(fdToPath, fd)

				if len(fdToPath) == 0 {
					return errors.New("all input devices went away")
				}
				continue
			}

			read, err := unix.Read(fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					continue
				}
				return fmt.Errorf("read from %s: %w", fdToPath[fd], err)
			}

			for _, event := range parseInputEvents(buf[:read]) {
				select {
				case events <- event:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// parseInputEvents keeps EV_KEY events only; a trailing partial event is dropped
func parseInputEvents(data []byte) []KeyEvent {
	evSize := binary.Size(inputEvent{})
	reader := bytes.NewReader(nil)

	var keyEvents []KeyEvent
	for offset := 0; offset+evSize <= len(data); offset += evSize {
		reader.Reset(data[offset : offset+evSize])

		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			continue
		}

		if ev.Type != evKey {
			continue
		}

		keyEvents = append(keyEvents, KeyEvent{
			Code:      KeyCode(ev.Code),
			State:     KeyState(ev.Value),
			Timestamp: ev.Sec*1e9 + ev.Usec*1e3,
			Raw:       packKeyPayload(ev.Type, KeyCode(ev.Code), KeyState(ev.Value)),
		})
	}

	return keyEvents
}

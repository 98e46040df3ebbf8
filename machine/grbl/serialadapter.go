package grbl

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/machine"
)

// StatusInterval is how often a status report is requested.
const StatusInterval = 200 * time.Millisecond

// SerialAdapter drives grbl over a directly attached serial port.
type SerialAdapter struct {
	*Conn
	log *zap.Logger

	mx    sync.Mutex
	last  machine.State
	state chan machine.State
	data  chan string
}

var _ machine.Adapter = &SerialAdapter{}

func NewSerialAdapter(rw io.ReadWriter, log *zap.Logger) *SerialAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := &SerialAdapter{
		Conn: NewConn(rw),
		log:  log.Named("grbl"),

		state: make(chan machine.State),
		data:  make(chan string),
	}
	go adapter.pollLoop()
	go adapter.loop()
	go adapter.readLoop()

	return adapter
}

func (adapter *SerialAdapter) pollLoop() {
	t := time.NewTicker(StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-adapter.done:
			return
		case <-t.C:
		}
		if err := adapter.WriteByte(machine.RealtimeStatus); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			adapter.log.Warn("status request", zap.Error(err))
		}
	}
}

func (adapter *SerialAdapter) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := adapter.Read(buf)
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			adapter.log.Error("read from port", zap.Error(err))
			continue
		}
		select {
		case adapter.data <- string(buf[:n]):
		case <-adapter.done:
			return
		}
	}
}

func (adapter *SerialAdapter) State() chan machine.State { return adapter.state }
func (adapter *SerialAdapter) CurrentState() machine.State {
	adapter.mx.Lock()
	state := adapter.last
	adapter.mx.Unlock()
	return state
}

func (adapter *SerialAdapter) loop() {
	for {
		var data string
		select {
		case <-adapter.done:
			return
		case data = <-adapter.data:
		}
		switch {
		case len(data) == 0:
		case data[0] == '<':
			adapter.mx.Lock()
			stat, err := parseStatus(adapter.last, data)
			if err == nil {
				adapter.last = *stat
			}
			adapter.mx.Unlock()
			if err != nil {
				adapter.log.Warn("parse status", zap.Error(err))
				continue
			}
			select {
			case adapter.state <- *stat:
			default:
			}
		case data[0] == '[', len(data) > 5 && data[:6] == "ALARM:":
			adapter.log.Info("controller", zap.String("message", data))
		}
	}
}

package grbl

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/spjs"
)

var lastID int64

func nextID() string {
	id := atomic.AddInt64(&lastID, 1)
	return "cmd_" + strconv.FormatInt(id, 36)
}

// ErrWipedQueue is returned when SPJS drops queued commands, usually after
// a controller reset.
var ErrWipedQueue = errors.New("wiped queue")

// SPJSAdapter drives grbl through a Serial Port JSON Server.
type SPJSAdapter struct {
	sp   *spjs.SPJS
	port string
	log  *zap.Logger

	cmds    chan adapterMessage
	waiting map[string]chan error

	mx    sync.Mutex
	last  machine.State
	state chan machine.State
}

var _ machine.Adapter = &SPJSAdapter{}

type adapterMessage struct {
	spjs.JSON
	wait chan error
}

func NewSPJSAdapter(sp *spjs.SPJS, port string, log *zap.Logger) *SPJSAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := &SPJSAdapter{
		sp:      sp,
		port:    port,
		log:     log.Named("grbl").With(zap.String("port", port)),
		waiting: make(map[string]chan error, 100),
		cmds:    make(chan adapterMessage, 1000),
		state:   make(chan machine.State),
	}
	go adapter.loop()

	return adapter
}

func (adapter *SPJSAdapter) CurrentState() machine.State {
	adapter.mx.Lock()
	defer adapter.mx.Unlock()
	return adapter.last
}
func (adapter *SPJSAdapter) setMachineState(state machine.State) {
	adapter.mx.Lock()
	adapter.last = state
	adapter.mx.Unlock()
	select {
	case adapter.state <- state:
	default:
	}
}

func (adapter *SPJSAdapter) handle(resp spjs.Message) {
	switch msg := resp.(type) {
	case *spjs.DataFrame:
		if msg.Port != "" && msg.Port != adapter.port {
			return
		}
		if strings.HasPrefix(msg.Data, "<") {
			stat, err := parseStatus(adapter.CurrentState(), msg.Data)
			if err != nil {
				adapter.log.Warn("parse status", zap.Error(err))
				return
			}
			adapter.setMachineState(*stat)
		}
	case *spjs.CmdStatus:
		switch msg.Cmd {
		case "WipedQueue":
			for key, ch := range adapter.waiting {
				ch <- ErrWipedQueue
				delete(adapter.waiting, key)
			}
		case "Complete":
			if adapter.waiting[msg.ID] != nil {
				adapter.waiting[msg.ID] <- nil
				delete(adapter.waiting, msg.ID)
			}
		}
	case *spjs.SerialPortList:
		for _, port := range msg.SerialPorts {
			if port.Name != adapter.port || port.IsOpen {
				continue
			}
			adapter.log.Info("opening port")
			if err := adapter.sp.WriteString("open " + adapter.port + " grbl 115200"); err != nil {
				adapter.log.Error("open port", zap.Error(err))
			}
		}
	case *spjs.ErrorMessage:
		adapter.log.Warn("spjs", zap.String("error", msg.Error))
	}
}

func (adapter *SPJSAdapter) loop() {
	for {
		select {
		case resp := <-adapter.sp.Messages():
			adapter.handle(resp)
		case msg := <-adapter.cmds:
			if err := adapter.sp.SendJSON(msg.JSON); err != nil {
				if msg.wait != nil {
					msg.wait <- err
				}
				continue
			}
			if msg.wait != nil {
				adapter.waiting[msg.Data[len(msg.Data)-1].ID] = msg.wait
			}
		}
	}
}

func (adapter *SPJSAdapter) State() chan machine.State {
	return adapter.state
}

// ReadFrom sends lines in batches of up to 100 and returns once SPJS
// reports the last one complete.
func (adapter *SPJSAdapter) ReadFrom(r io.Reader) (n int64, err error) {
	scan := bufio.NewScanner(r)
	var waits []chan error
	for {
		var j spjs.JSON
		j.Port = adapter.port
		for scan.Scan() {
			n += int64(len(scan.Bytes()))
			line := strings.TrimSpace(scan.Text())
			if line == "" {
				continue
			}
			j.Data = append(j.Data, spjs.Data{
				Data: line + "\n",
				ID:   nextID(),
			})
			if len(j.Data) == 100 {
				break
			}
		}
		if len(j.Data) == 0 {
			break
		}
		wait := make(chan error, 1)
		waits = append(waits, wait)
		adapter.cmds <- adapterMessage{JSON: j, wait: wait}
	}

	for _, wait := range waits {
		if e := <-wait; err == nil {
			err = e
		}
	}
	return n, err
}

// WriteByte sends a single realtime character.
func (adapter *SPJSAdapter) WriteByte(b byte) error {
	_, err := adapter.Write([]byte{b, '\n'})
	return err
}
func (adapter *SPJSAdapter) Write(p []byte) (int, error) {
	n, err := adapter.ReadFrom(bytes.NewReader(p))
	return int(n), err
}

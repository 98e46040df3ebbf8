// Package spjs is a client for Serial Port JSON Server, used to reach a
// controller attached to another host.
package spjs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("spjs: closed")

// RetryInterval is the pause between connection attempts.
var RetryInterval = 3 * time.Second

// Message is one decoded server message: *DataFrame, *CmdStatus,
// *SerialPortList or *ErrorMessage.
type Message interface {
	message()
}

// DataFrame is output read from a serial port.
type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

// CmdStatus reports progress of a queued command, e.g. "Queued",
// "Complete" or "WipedQueue".
type CmdStatus struct {
	Cmd        string
	QueueCount int `json:"QCnt"`
	Type       []string
	Port       string `json:"P"`
	ID         string `json:"Id"`
}

type ErrorMessage struct {
	Error string
}

type SerialPortList struct {
	SerialPorts []SerialPort
}

type SerialPort struct {
	Name            string
	Friendly        string
	IsOpen          bool
	IsPrimary       bool
	Baud            int
	BufferAlgorithm string
	Ver             float64
}

func (*DataFrame) message()      {}
func (*CmdStatus) message()      {}
func (*ErrorMessage) message()   {}
func (*SerialPortList) message() {}

// kinds maps the field that identifies a message to its type, in the
// order they are tried; a command status also carries "D".
var kinds = []struct {
	field string
	new   func() Message
}{
	{"Error", func() Message { return &ErrorMessage{} }},
	{"SerialPorts", func() Message { return &SerialPortList{} }},
	{"Cmd", func() Message { return &CmdStatus{} }},
	{"D", func() Message { return &DataFrame{} }},
}

func parseMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if _, ok := fields[k.field]; !ok {
			continue
		}
		m := k.new()
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("decode %s message: %w", k.field, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown message: %s", data)
}

// JSON is the argument of a sendjson command.
type JSON struct {
	Port string `json:"P"`
	Data []Data
}

type Data struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

type request struct {
	payload []byte
	sent    chan error
}

// SPJS keeps a websocket connection to the server open, reconnecting
// until Close.
type SPJS struct {
	url string
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	requests chan request
	messages chan Message
}

// New starts a client for the websocket at url.
func New(url string, log *zap.Logger) *SPJS {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sp := &SPJS{
		url:      url,
		log:      log.Named("spjs").With(zap.String("url", url)),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		messages: make(chan Message, 1000),
	}
	go sp.run()
	return sp
}

// Messages delivers decoded server messages.
func (sp *SPJS) Messages() <-chan Message {
	return sp.messages
}

// Close stops reconnecting and drops the current connection.
func (sp *SPJS) Close() error {
	sp.cancel()
	return nil
}

func (sp *SPJS) connect() (*websocket.Conn, error) {
	return backoff.Retry(sp.ctx, func() (*websocket.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(sp.ctx, sp.url, nil)
		if err != nil {
			sp.log.Warn("connect", zap.Error(err))
		}
		return ws, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(RetryInterval)),
		backoff.WithMaxElapsedTime(0),
	)
}

func (sp *SPJS) run() {
	for {
		ws, err := sp.connect()
		if err != nil {
			return
		}
		sp.log.Info("connected")
		err = sp.session(ws)
		ws.Close()
		if sp.ctx.Err() != nil {
			return
		}
		sp.log.Warn("disconnected", zap.Error(err))
	}
}

// session serves one connection until it fails or the client closes.
func (sp *SPJS) session(ws *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- sp.receive(ws) }()

	// the port list is how the adapter learns whether to open its port
	if err := ws.WriteMessage(websocket.TextMessage, []byte("list")); err != nil {
		return err
	}

	for {
		select {
		case <-sp.ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case req := <-sp.requests:
			err := ws.WriteMessage(websocket.TextMessage, req.payload)
			req.sent <- err
			if err != nil {
				return err
			}
		}
	}
}

func (sp *SPJS) receive(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		// the server echoes commands back as plain text
		if !bytes.HasPrefix(data, []byte("{")) {
			continue
		}
		m, err := parseMessage(data)
		if err != nil {
			sp.log.Debug("parse", zap.Error(err))
			continue
		}
		select {
		case sp.messages <- m:
		case <-sp.ctx.Done():
			return nil
		}
	}
}

// SendJSON sends a sendjson command and waits for it to be written.
func (sp *SPJS) SendJSON(v JSON) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sp.send(append([]byte("sendjson "), data...))
}

// WriteString sends a raw command, like "list".
func (sp *SPJS) WriteString(cmd string) error {
	return sp.send([]byte(cmd))
}

// send blocks until a connection is up and the payload is written.
func (sp *SPJS) send(payload []byte) error {
	if sp.ctx.Err() != nil {
		return ErrClosed
	}
	req := request{payload: payload, sent: make(chan error, 1)}
	select {
	case sp.requests <- req:
	case <-sp.ctx.Done():
		return ErrClosed
	}
	return <-req.sent
}

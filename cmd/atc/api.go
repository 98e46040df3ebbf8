package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/atc"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/pocket"
)

// controller is a host the API can also home, resume and stream.
type controller interface {
	machine.Host
	Home(context.Context) error
	Resume() error
	Run(lines []string) error
	State() chan machine.State
	Messages() <-chan string
}

type api struct {
	http.Handler

	// ctx bounds tool changes; it ends at shutdown, not when a client
	// disconnects.
	ctx  context.Context
	c    *atc.Changer
	reg  *pocket.Registry
	ctrl controller
	log  *zap.Logger
	sse  *sse.Server
}

func newAPI(ctx context.Context, c *atc.Changer, ctrl controller, log *zap.Logger, metrics prometheus.Gatherer) *api {
	r := mux.NewRouter()
	a := &api{
		Handler: r,
		ctx:     ctx,
		c:       c,
		reg:     c.Registry(),
		ctrl:    ctrl,
		log:     log.Named("api"),
		sse: sse.NewServer(&sse.Options{
			Logger: zap.NewStdLog(log.Named("sse")),
		}),
	}

	r.HandleFunc("/api/pockets", a.listPockets).Methods("GET")
	r.HandleFunc("/api/pockets/current", a.currentPocket).Methods("GET")
	r.HandleFunc("/api/pockets/current", a.selectPocket).Methods("PUT")
	r.HandleFunc("/api/pockets/save", a.savePockets).Methods("POST")
	r.HandleFunc("/api/pockets/load", a.loadPockets).Methods("POST")
	r.HandleFunc("/api/pockets/{id:[0-9]+}", a.getPocket).Methods("GET")
	r.HandleFunc("/api/pockets/{id:[0-9]+}/capture", a.capturePocket).Methods("POST")
	r.HandleFunc("/api/pockets/{id:[0-9]+}/clear", a.clearPocket).Methods("POST")
	r.HandleFunc("/api/pockets/{id:[0-9]+}/assign", a.assignTool).Methods("POST")
	r.HandleFunc("/api/tools/{tool:[0-9]+}/pocket", a.pocketForTool).Methods("GET")

	r.HandleFunc("/api/tool", a.toolStatus).Methods("GET")
	r.HandleFunc("/api/tool/load", a.loadTool).Methods("POST")
	r.HandleFunc("/api/tool/unload", a.unloadTool).Methods("POST")

	r.HandleFunc("/api/io/seated", a.toolSeated).Methods("GET")
	r.HandleFunc("/api/io/off", a.allOff).Methods("POST")
	r.HandleFunc("/api/io/{actuator}", a.setActuator).Methods("POST")

	r.HandleFunc("/api/home", a.home).Methods("POST")
	r.HandleFunc("/api/resume", a.resume).Methods("POST")
	r.HandleFunc("/api/run", a.run).Methods("POST")

	r.PathPrefix("/events/").Handler(a.sse)
	r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

	go a.forwardState()
	go a.forwardMessages()

	return a
}

// Close disconnects event stream clients.
func (a *api) Close() {
	a.sse.Shutdown()
}

func (a *api) forwardState() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case st := <-a.ctrl.State():
			a.publish("/events/state", st)
		}
	}
}

func (a *api) forwardMessages() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.ctrl.Messages():
			a.publish("/events/message", map[string]string{"message": msg})
		}
	}
}

func (a *api) publish(channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		a.log.Error("marshal event", zap.String("channel", channel), zap.Error(err))
		return
	}
	a.sse.SendMessage(channel, sse.SimpleMessage(string(data)))
}

func (a *api) publishPockets() {
	a.publish("/events/pockets", a.pocketList())
}

type pocketList struct {
	Count      int             `json:"count"`
	Current    int             `json:"current"`
	Pockets    []pocket.Pocket `json:"pockets"`
	Duplicates map[int][]int   `json:"duplicates,omitempty"`
}

func (a *api) pocketList() pocketList {
	return pocketList{
		Count:      a.reg.Size(),
		Current:    a.reg.CurrentID(),
		Pockets:    a.reg.Pockets(),
		Duplicates: a.reg.Duplicates(),
	}
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("encode response", zap.Error(err))
	}
}

func errorStatus(err error) int {
	switch atc.KindOf(err) {
	case atc.KindBusy:
		return http.StatusConflict
	case atc.KindPrecondition:
		return http.StatusUnprocessableEntity
	case atc.KindCommand:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, pocket.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pocket.ErrInvalidTool), errors.Is(err, atc.ErrUnknownActuator):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		a.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func intVar(req *http.Request, name string) int {
	// the route pattern only matches digits
	n, _ := strconv.Atoi(mux.Vars(req)[name])
	return n
}

func decodeBody(req *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a *api) listPockets(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, a.pocketList())
}

func (a *api) getPocket(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, a.reg.Get(intVar(req, "id")))
}

func (a *api) currentPocket(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, a.reg.Current())
}

// selectPocket takes {"id": n} or {"tool": n}.
func (a *api) selectPocket(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ID   *int `json:"id"`
		Tool *int `json:"tool"`
	}
	if err := decodeBody(req, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case body.ID != nil:
		a.reg.Select(*body.ID)
	case body.Tool != nil:
		if !a.reg.SelectByTool(*body.Tool) {
			http.Error(w, pocket.ErrNotFound.Error(), http.StatusNotFound)
			return
		}
	default:
		http.Error(w, "id or tool required", http.StatusBadRequest)
		return
	}
	a.publishPockets()
	a.writeJSON(w, a.reg.Current())
}

func (a *api) pocketForTool(w http.ResponseWriter, req *http.Request) {
	p, err := a.reg.PocketForTool(intVar(req, "tool"))
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	a.writeJSON(w, p)
}

func (a *api) pocketResult(w http.ResponseWriter, req *http.Request, p pocket.Pocket, err error) {
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	a.publishPockets()
	a.writeJSON(w, p)
}

func (a *api) capturePocket(w http.ResponseWriter, req *http.Request) {
	p, err := a.c.CapturePocket(intVar(req, "id"))
	a.pocketResult(w, req, p, err)
}

func (a *api) clearPocket(w http.ResponseWriter, req *http.Request) {
	p, err := a.c.ClearPocket(intVar(req, "id"))
	a.pocketResult(w, req, p, err)
}

func (a *api) assignTool(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Tool int `json:"tool"`
	}
	if err := decodeBody(req, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := a.c.AssignTool(intVar(req, "id"), body.Tool)
	a.pocketResult(w, req, p, err)
}

func (a *api) savePockets(w http.ResponseWriter, req *http.Request) {
	if err := a.reg.Save(); err != nil {
		a.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) loadPockets(w http.ResponseWriter, req *http.Request) {
	clean, err := a.reg.Load()
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	a.publishPockets()
	a.writeJSON(w, map[string]bool{"clean": clean})
}

type toolStatus struct {
	Tool int  `json:"tool"`
	Busy bool `json:"busy"`
}

func (a *api) toolStatus(w http.ResponseWriter, req *http.Request) {
	tool, err := a.ctrl.CurrentTool()
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	a.writeJSON(w, toolStatus{Tool: tool, Busy: a.c.Busy()})
}

func (a *api) loadTool(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Tool int `json:"tool"`
	}
	if err := decodeBody(req, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.c.LoadTool(a.ctx, body.Tool); err != nil {
		a.writeError(w, req, err)
		return
	}
	a.publishPockets()
	a.toolStatus(w, req)
}

func (a *api) unloadTool(w http.ResponseWriter, req *http.Request) {
	if err := a.c.UnloadTool(a.ctx); err != nil {
		a.writeError(w, req, err)
		return
	}
	a.toolStatus(w, req)
}

func (a *api) toolSeated(w http.ResponseWriter, req *http.Request) {
	seated, err := a.c.Controls().ToolSeated()
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	a.writeJSON(w, map[string]bool{"seated": seated})
}

// setActuator takes {"on": bool}.
func (a *api) setActuator(w http.ResponseWriter, req *http.Request) {
	act, err := atc.ParseActuator(mux.Vars(req)["actuator"])
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	var body struct {
		On bool `json:"on"`
	}
	if err = decodeBody(req, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = a.c.Controls().Set(act, body.On); err != nil {
		a.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) allOff(w http.ResponseWriter, req *http.Request) {
	if err := a.c.Controls().AllOff(); err != nil {
		a.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) home(w http.ResponseWriter, req *http.Request) {
	err := a.c.Exclusive("home", func() error { return a.ctrl.Home(req.Context()) })
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) resume(w http.ResponseWriter, req *http.Request) {
	if err := a.ctrl.Resume(); err != nil {
		a.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// run sends the request body to the controller, one line at a time.
func (a *api) run(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var lines []string
	for _, str := range strings.Split(string(data), "\n") {
		if str = strings.TrimSpace(str); str != "" {
			lines = append(lines, str)
		}
	}
	err = a.c.Exclusive("run", func() error { return a.ctrl.Run(lines) })
	if atc.KindOf(err) == atc.KindBusy {
		a.writeError(w, req, err)
		return
	}
	if err != nil {
		a.log.Error("run", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package nostrtest provides an in-process relay for tests.
package nostrtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relayscan/relayscan/pkg/nostr"
)

// ReadMode controls how the relay answers REQ.
type ReadMode int

const (
	// ReadEOSE replays stored events followed by EOSE.
	ReadEOSE ReadMode = iota
	// ReadClosed answers with CLOSED.
	ReadClosed
	// ReadSilent never answers.
	ReadSilent
)

// WriteMode controls how the relay answers EVENT.
type WriteMode int

const (
	// WriteAccept stores valid events and answers OK true.
	WriteAccept WriteMode = iota
	// WriteReject answers OK false.
	WriteReject
	// WriteSilent never answers.
	WriteSilent
)

type Relay struct {
	server     *httptest.Server
	events     []nostr.Event
	userAgents []string
	mx         sync.Mutex
	reqs       int
	published  int
	readMode   ReadMode
	writeMode  WriteMode
}

// NewRelay starts a relay serving the given stored events. Close must be
// called when done.
func NewRelay(events ...nostr.Event) *Relay {
	r := &Relay{
		events: events,
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL returns the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *Relay) Close() {
	r.server.CloseClientConnections()
	r.server.Close()
}

func (r *Relay) SetReadMode(mode ReadMode) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.readMode = mode
}

func (r *Relay) SetWriteMode(mode WriteMode) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.writeMode = mode
}

// Requests returns the number of REQ messages received.
func (r *Relay) Requests() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.reqs
}

// Published returns the number of EVENT messages received.
func (r *Relay) Published() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.published
}

// UserAgents returns the User-Agent of every handshake in arrival order.
func (r *Relay) UserAgents() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.userAgents)
}

// Events returns the events currently stored.
func (r *Relay) Events() []nostr.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]nostr.Event{}, r.events...)
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	r.mx.Lock()
	r.userAgents = append(r.userAgents, req.UserAgent())
	r.mx.Unlock()
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		raw := []json.RawMessage{}
		if err := json.Unmarshal(b, &raw); err != nil || len(raw) < 2 {
			r.send(ws, nostr.LabelNotice, "invalid: could not parse message")
			continue
		}
		var label string
		//nolint: errcheck // Unknown labels fall through to the notice below.
		json.Unmarshal(raw[0], &label)
		switch label {
		case nostr.LabelReq:
			r.handleReq(ws, raw)
		case nostr.LabelEvent:
			r.handleEvent(ws, raw)
		case nostr.LabelClose:
		default:
			r.send(ws, nostr.LabelNotice, "unknown message "+label)
		}
	}
}

func (r *Relay) handleReq(ws *websocket.Conn, raw []json.RawMessage) {
	var subID string
	//nolint: errcheck // An empty id is still answered.
	json.Unmarshal(raw[1], &subID)
	filter := nostr.Filter{}
	if len(raw) > 2 {
		//nolint: errcheck // A broken filter matches everything.
		json.Unmarshal(raw[2], &filter)
	}

	r.mx.Lock()
	r.reqs++
	events := append([]nostr.Event{}, r.events...)
	mode := r.readMode
	r.mx.Unlock()

	switch mode {
	case ReadSilent:
		return
	case ReadClosed:
		r.send(ws, nostr.LabelClosed, subID, "restricted: authentication required")
		return
	}
	sent := 0
	for _, e := range events {
		if filter.Limit > 0 && sent >= filter.Limit {
			break
		}
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, e.Kind) {
			continue
		}
		r.send(ws, nostr.LabelEvent, subID, e)
		sent++
	}
	r.send(ws, nostr.LabelEOSE, subID)
}

func (r *Relay) handleEvent(ws *websocket.Conn, raw []json.RawMessage) {
	event := nostr.Event{}
	if err := json.Unmarshal(raw[1], &event); err != nil {
		r.send(ws, nostr.LabelNotice, "invalid: could not parse event")
		return
	}

	r.mx.Lock()
	r.published++
	mode := r.writeMode
	r.mx.Unlock()

	switch mode {
	case WriteSilent:
		return
	case WriteReject:
		r.send(ws, nostr.LabelOK, event.ID, false, "blocked: not accepting events")
		return
	}
	if err := event.Verify(); err != nil {
		r.send(ws, nostr.LabelOK, event.ID, false, "invalid: "+err.Error())
		return
	}
	r.mx.Lock()
	r.events = append(r.events, event)
	r.mx.Unlock()
	r.send(ws, nostr.LabelOK, event.ID, true, "")
}

func (r *Relay) send(ws *websocket.Conn, msg ...any) {
	//nolint: errcheck // The client may have gone away.
	ws.WriteJSON(msg)
}

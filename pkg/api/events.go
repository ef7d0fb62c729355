package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents serves GET /api/v1/events: upgrades to a websocket and
// streams typed events matching the query-string filter until the client
// disconnects (spec.md §4.L "filter-based subscription").
//
// Supported query params: kind, agent, env, cannon, transaction — any
// combination is ANDed together; omit all for every event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ws, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sub := s.bus.Subscribe(filter)
	defer sub.Close()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func eventFilterFromQuery(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	var filters []events.Filter

	if k := q.Get("kind"); k != "" {
		filters = append(filters, events.KindIs(events.Kind(k)))
	}
	if a := q.Get("agent"); a != "" {
		id, err := ident.NewAgentId(a)
		if err != nil {
			return nil, err
		}
		filters = append(filters, events.AgentIs(id))
	}
	if e := q.Get("env"); e != "" {
		id, err := ident.NewEnvId(e)
		if err != nil {
			return nil, err
		}
		filters = append(filters, events.EnvIs(id))
	}
	if c := q.Get("cannon"); c != "" {
		id, err := ident.NewCannonId(c)
		if err != nil {
			return nil, err
		}
		filters = append(filters, events.CannonIs(id))
	}
	if tx := q.Get("transaction"); tx != "" {
		filters = append(filters, events.TransactionIs(tx))
	}

	if len(filters) == 0 {
		return events.Any(), nil
	}
	return events.And(filters...), nil
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// PollEndpoint serves cursor-based reads over the bus, with an optional long
// poll: a request finding nothing after its cursor can park until the next
// publish or until its wait budget runs out, whichever comes first.
type PollEndpoint struct {
	eventBus *bus.EventBus
	config   configuration.PollConfig
}

func NewPollEndpoint(eventBus *bus.EventBus, config configuration.PollConfig) (*PollEndpoint, error) {
	if config.MaxBatch < 1 {
		return nil, errors.Errorf("MaxBatch must be positive, got %d", config.MaxBatch)
	}
	if config.MaxWait < 0 {
		return nil, errors.Errorf("MaxWait must not be negative, got %s", config.MaxWait)
	}
	return &PollEndpoint{eventBus: eventBus, config: config}, nil
}

// Poll handles GET /api/events. afterSeq is the client's cursor (0 reads from
// the start of the retained window); timeoutMs is the long poll budget, capped
// by configuration, with 0 meaning an immediate short poll.
func (p *PollEndpoint) Poll(w http.ResponseWriter, req *http.Request) {
	after, err := queryUint(req, "afterSeq", 0)
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	wait, err := queryDurationMs(req, "timeoutMs", 0)
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	if wait > p.config.MaxWait {
		wait = p.config.MaxWait
	}

	if wait == 0 {
		events, gapped := p.eventBus.ReplayAfter(after, p.config.MaxBatch)
		p.respond(w, after, events, gapped)
		return
	}

	// Wake on any publish. Registering the listener and checking for events
	// already past the cursor is atomic, so a publish racing this request
	// either shows up in the replay or trips the signal; it cannot fall
	// between the two. The subscription is torn down on every exit path.
	signal := make(chan struct{}, 1)
	events, gapped, unsubscribe := p.eventBus.SubscribeAndReplay(func(api.Event) {
		select {
		case signal <- struct{}{}:
		default:
		}
	}, after, p.config.MaxBatch)
	defer unsubscribe()

	if len(events) > 0 {
		p.respond(w, after, events, gapped)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-signal:
		events, gapped = p.eventBus.ReplayAfter(after, p.config.MaxBatch)
		p.respond(w, after, events, gapped)
	case <-timer.C:
		// Budget spent: an empty batch with the caller's own cursor back
		// means "nothing new yet", not an error.
		p.respond(w, after, nil, false)
	case <-req.Context().Done():
		// Client is gone; nothing to write.
	}
}

func (p *PollEndpoint) respond(w http.ResponseWriter, after uint64, events []api.Event, gapped bool) {
	cursor := after
	if len(events) > 0 {
		cursor = events[len(events)-1].Seq
	}
	if events == nil {
		events = []api.Event{}
	}
	writeJSON(w, http.StatusOK, api.PollResponse{
		Events: events,
		Cursor: cursor,
		Gapped: gapped,
	})
}

func queryUint(req *http.Request, name string, def uint64) (uint64, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &tannoyerrors.ErrInvalidRequest{
			Field:   name,
			Value:   raw,
			Message: "expected a non-negative integer",
		}
	}
	return value, nil
}

func queryDurationMs(req *http.Request, name string, def time.Duration) (time.Duration, error) {
	ms, err := queryUint(req, name, uint64(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

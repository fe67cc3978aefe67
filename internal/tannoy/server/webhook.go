package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/internal/tannoy/repository"
	"github.com/tannoyproject/tannoy/pkg/api"
)

const webhookPathPrefix = "/api/webhooks/"

// WebhookIngest turns externally delivered webhooks into bus events. Senders
// retry, so delivery is at-least-once on the wire; the write-once record store
// collapses retries onto a single bus event per delivery id.
type WebhookIngest struct {
	eventBus *bus.EventBus
	store    repository.RecordStore
	config   configuration.WebhookConfig
	clock    util.Clock

	mu         sync.Mutex
	accepted   uint64
	duplicates uint64
	rejected   uint64
}

func NewWebhookIngest(eventBus *bus.EventBus, store repository.RecordStore, config configuration.WebhookConfig) *WebhookIngest {
	return &WebhookIngest{
		eventBus: eventBus,
		store:    store,
		config:   config,
		clock:    &util.DefaultClock{},
	}
}

// Ingest handles POST /api/webhooks/{source}. The signature is an HMAC-SHA256
// over the exact raw body bytes, hex encoded in the X-Tannoy-Signature header
// with the secret configured for the source; nothing is parsed until it has
// been verified.
func (i *WebhookIngest) Ingest(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	source, err := webhookSource(req.URL.Path)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	secret, ok := i.config.Secrets[source]
	if !ok {
		i.countRejected()
		writeError(ctx, w, &tannoyerrors.ErrUnauthenticated{
			Source: source,
			Reason: "unknown webhook source",
		})
		return
	}

	raw, err := ioutil.ReadAll(io.LimitReader(req.Body, int64(i.config.MaxBodyBytes)+1))
	if err != nil {
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "body",
			Message: "failed to read request body",
		})
		return
	}
	if len(raw) > int(i.config.MaxBodyBytes) {
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "body",
			Message: "request body exceeds the configured size limit",
		})
		return
	}

	if err := verifySignature(raw, req.Header.Get(api.SignatureHeader), secret); err != nil {
		i.countRejected()
		log.Warnf("Rejected webhook for source %s: %s", source, err)
		writeError(ctx, w, err)
		return
	}

	var request api.WebhookRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "body",
			Message: "malformed JSON request body",
		})
		return
	}
	if request.Id == "" {
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "id",
			Message: "a unique delivery id is required",
		})
		return
	}

	// Delivery ids are scoped per source so that two integrations cannot
	// dedupe each other's events.
	inserted, err := i.store.Add(ctx, &repository.Record{
		Id:         source + "/" + request.Id,
		ReceivedAt: i.clock.Now().UTC(),
		Payload:    raw,
	})
	if err != nil {
		log.WithError(err).Errorf("Failed to persist webhook %s from source %s", request.Id, source)
		writeError(ctx, w, err)
		return
	}
	if !inserted {
		i.countDuplicate()
		log.Infof("Webhook %s from source %s already processed", request.Id, source)
		writeJSON(w, http.StatusOK, api.WebhookResponse{Duplicate: true})
		return
	}

	event, err := i.eventBus.Publish(api.EventTypeWebhookReceived, api.WebhookEvent{
		Source: source,
		Id:     request.Id,
		Type:   request.Type,
		Data:   request.Data,
	}, "")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	i.countAccepted()
	log.Infof("Webhook %s from source %s published as event %d", request.Id, source, event.Seq)
	writeJSON(w, http.StatusOK, api.WebhookResponse{Duplicate: false})
}

func webhookSource(path string) (string, error) {
	source := strings.TrimPrefix(path, webhookPathPrefix)
	if source == "" || strings.Contains(source, "/") {
		return "", &tannoyerrors.ErrNotFound{
			Type:  "webhook source",
			Value: source,
		}
	}
	return source, nil
}

// verifySignature checks a hex-encoded HMAC-SHA256 over body using a
// constant-time comparison.
func verifySignature(body []byte, header, secret string) error {
	if header == "" {
		return &tannoyerrors.ErrUnauthenticated{Reason: "missing signature header"}
	}
	provided, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return &tannoyerrors.ErrUnauthenticated{Reason: "signature is not valid hex"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return &tannoyerrors.ErrUnauthenticated{Reason: "signature mismatch"}
	}
	return nil
}

func (i *WebhookIngest) countAccepted() {
	i.mu.Lock()
	i.accepted++
	i.mu.Unlock()
}

func (i *WebhookIngest) countDuplicate() {
	i.mu.Lock()
	i.duplicates++
	i.mu.Unlock()
}

func (i *WebhookIngest) countRejected() {
	i.mu.Lock()
	i.rejected++
	i.mu.Unlock()
}

// Counts returns the cumulative accepted, duplicate and rejected totals.
func (i *WebhookIngest) Counts() (accepted, duplicates, rejected uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted, i.duplicates, i.rejected
}

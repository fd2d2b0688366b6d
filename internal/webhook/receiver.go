// Package webhook receives the provider's push notifications, validates
// them, and turns them into sync tasks. The provider expects a fast ack;
// all real work happens asynchronously behind the dispatcher. Deliveries
// may be duplicated and out of order; the receiver does not try to order
// them, that is the sync engine's cursor comparison.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/store"
)

// Enqueuer accepts sync tasks extracted from notifications.
type Enqueuer interface {
	Enqueue(userID, historyID string) bool
}

// RequestVerifier authenticates an inbound push request.
type RequestVerifier interface {
	VerifyRequest(r *http.Request) error
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// historyID tolerates both JSON number and JSON string encodings; push
// payloads carry it either way depending on the producing service.
type historyID string

func (h *historyID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*h = historyID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*h = historyID(s)
	return nil
}

// pushPayload is the decoded Gmail notification inside message.data.
type pushPayload struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    historyID `json:"historyId"`
}

// Receiver handles the push endpoint.
type Receiver struct {
	store    *store.Store
	queue    Enqueuer
	verifier RequestVerifier
	logger   *zap.Logger
}

// NewReceiver creates the webhook receiver. verifier may be nil to skip
// push-token verification for local development.
func NewReceiver(st *store.Store, queue Enqueuer, verifier RequestVerifier, logger *zap.Logger) *Receiver {
	return &Receiver{
		store:    st,
		queue:    queue,
		verifier: verifier,
		logger:   logger.With(zap.String("component", "webhook")),
	}
}

// Handle processes one push delivery. Anything decodable is acknowledged
// with 200 even when discarded: a non-success status only makes the
// provider redeliver, and redelivery is already the engine's normal case.
func (r *Receiver) Handle(c *gin.Context) {
	if r.verifier != nil {
		if err := r.verifier.VerifyRequest(c.Request); err != nil {
			r.logger.Warn("push verification failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message data"})
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(decoded, &payload); err != nil || payload.EmailAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification payload"})
		return
	}

	userID, err := r.store.ResolveUserByAddress(c.Request.Context(), payload.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Expected: stale subscription of a disconnected user.
			r.logger.Debug("notification for unknown mailbox discarded",
				zap.String("address", payload.EmailAddress))
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		r.logger.Error("mailbox resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	r.queue.Enqueue(userID, string(payload.HistoryID))
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

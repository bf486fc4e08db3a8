package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v39/github"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"deploy-metrics/internal/correlator"
	"deploy-metrics/internal/database"
	"deploy-metrics/internal/logger"
	"deploy-metrics/internal/metrics"
	"deploy-metrics/internal/models"
)

// Results recorded per delivery.
const (
	ResultOK          = "ok"
	ResultUnsupported = "unsupported"
	ResultInvalid     = "invalid"
	ResultTooLarge    = "too_large"
)

const (
	msgReceived    = "Event received"
	msgUnsupported = "Event not supported"
)

type Handler struct {
	correlator      *correlator.Correlator
	recorder        metrics.Recorder
	db              *sql.DB
	logger          *logrus.Entry
	maxPayloadBytes int64
}

// NewHandler wires the webhook endpoints. A nil db disables the audit log.
func NewHandler(c *correlator.Correlator, recorder metrics.Recorder, db *sql.DB, maxPayloadBytes int64) *Handler {
	return &Handler{
		correlator:      c,
		recorder:        recorder,
		db:              db,
		logger:          logger.WithModule("handlers"),
		maxPayloadBytes: maxPayloadBytes,
	}
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "GitHub Webhook Listener")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.correlator.Stats()
	resp := models.HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
		Correlation: map[string]int{
			metrics.TablePending:  stats.Pending,
			metrics.TableFailures: stats.Failures,
			metrics.TableCommits:  stats.Commits,
		},
	}
	if h.db != nil {
		n, err := database.CountEvents(h.db, "")
		if err != nil {
			h.logger.WithError(err).Error("Failed to count audit records")
		} else {
			resp.AuditEvents = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Webhook receives one GitHub delivery and routes it by event kind.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	kind := github.WebHookType(r)
	delivery := github.DeliveryID(r)

	txn := newrelic.FromContext(r.Context())
	txn.AddAttribute("github.event", kind)
	txn.AddAttribute("github.delivery", delivery)

	log := h.logger.WithFields(logrus.Fields{
		"event":    kind,
		"delivery": delivery,
	})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WithField("limit", tooLarge.Limit).Warn("Webhook payload too large")
			h.recorder.IncWebhookEvent(kind, ResultTooLarge)
			writeJSON(w, http.StatusRequestEntityTooLarge, models.WebhookResponse{Message: "Payload too large"})
			return
		}
		log.WithError(err).Warn("Failed to read webhook body")
		txn.NoticeError(err)
		h.recorder.IncWebhookEvent(kind, ResultInvalid)
		writeJSON(w, http.StatusBadRequest, models.WebhookResponse{Message: "Failed to read body"})
		return
	}

	code, result, err := h.dispatch(kind, body)
	h.recorder.IncWebhookEvent(kind, result)
	h.audit(log, models.AuditEvent{
		DeliveryID: delivery,
		EventType:  kind,
		Result:     result,
		Payload:    string(body),
	})

	switch {
	case err != nil:
		log.WithError(err).Warn("Rejected webhook payload")
		txn.NoticeError(err)
		writeJSON(w, code, models.WebhookResponse{Message: err.Error()})
	case result == ResultUnsupported:
		log.Debug("Ignoring unsupported event")
		writeJSON(w, code, models.WebhookResponse{Message: msgUnsupported})
	default:
		log.Debug("Webhook handled")
		writeJSON(w, code, models.WebhookResponse{Message: msgReceived})
	}
}

func (h *Handler) dispatch(kind string, body []byte) (int, string, error) {
	switch kind {
	case models.EventPush:
		push, err := models.ParsePush(body)
		if err != nil {
			return http.StatusBadRequest, ResultInvalid, err
		}
		h.correlator.HandlePush(push)
	case models.EventStatus:
		status, err := models.ParseStatus(body)
		if err != nil {
			return http.StatusBadRequest, ResultInvalid, err
		}
		h.correlator.HandleStatus(status)
	case models.EventIssues, models.EventPullRequest:
		// Accepted so GitHub does not flag the hook, nothing to correlate.
	default:
		return http.StatusAccepted, ResultUnsupported, nil
	}
	return http.StatusOK, ResultOK, nil
}

func (h *Handler) audit(log *logrus.Entry, ev models.AuditEvent) {
	if h.db == nil {
		return
	}
	id, err := database.InsertEvent(h.db, ev)
	if err != nil {
		log.WithError(err).Error("Failed to write audit record")
		return
	}
	log.WithField("audit_id", id).Debug("Audit record written")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

package contact

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxFormBytes = 64 << 10

const (
	StatusSuccess = "success"
	StatusQueued  = "queued"
	StatusError   = "error"
)

type reply struct {
	Status string `json:"status"`
}

// Handler serves POST /api/contact.
type Handler struct {
	fwd           *Forwarder
	outbox        *Outbox
	simulateDelay time.Duration
	log           *zap.Logger
}

// NewHandler builds the contact endpoint. With a nil forwarder, valid
// submissions are acknowledged after simulateDelay without being sent
// anywhere.
func NewHandler(fwd *Forwarder, outbox *Outbox, simulateDelay time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		fwd:           fwd,
		outbox:        outbox,
		simulateDelay: simulateDelay,
		log:           logger.Named("contact"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeReply(w, http.StatusMethodNotAllowed, StatusError)
		return
	}

	form, err := decodeForm(w, r)
	if err == nil {
		err = form.Validate()
	}
	if err != nil {
		h.log.Debug("submission rejected", zap.Error(err))
		writeReply(w, http.StatusUnprocessableEntity, StatusError)
		return
	}

	if h.fwd == nil {
		if h.simulateDelay > 0 {
			select {
			case <-time.After(h.simulateDelay):
			case <-r.Context().Done():
				return
			}
		}
		writeReply(w, http.StatusOK, StatusSuccess)
		return
	}

	payload, err := json.Marshal(form)
	if err != nil {
		writeReply(w, http.StatusInternalServerError, StatusError)
		return
	}
	header := forwardHeader(r)

	err = h.fwd.Send(r.Context(), payload, header)
	switch {
	case err == nil:
		writeReply(w, http.StatusOK, StatusSuccess)
		return
	case errors.Is(err, ErrRejected):
		h.log.Warn("contact endpoint rejected submission", zap.Error(err))
		writeReply(w, http.StatusBadGateway, StatusError)
		return
	}

	sub, qerr := h.outbox.Add(payload, header)
	if qerr != nil {
		h.log.Error("queue submission", zap.NamedError("sendError", err), zap.Error(qerr))
		writeReply(w, http.StatusServiceUnavailable, StatusError)
		return
	}
	h.log.Info("submission queued for sync", zap.String("id", sub.ID), zap.Error(err))
	writeReply(w, http.StatusAccepted, StatusQueued)
}

func decodeForm(w http.ResponseWriter, r *http.Request) (Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var f Form
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return Form{}, errors.Join(ErrInvalidSubmission, err)
		}
		return f, nil
	}

	if err := r.ParseForm(); err != nil {
		return Form{}, errors.Join(ErrInvalidSubmission, err)
	}
	return Form{
		Name:    r.PostFormValue("name"),
		Email:   r.PostFormValue("email"),
		Company: r.PostFormValue("company"),
		Subject: r.PostFormValue("subject"),
		Message: r.PostFormValue("message"),
		Consent: parseConsent(r.PostFormValue("consent")),
		Website: r.PostFormValue("website"),
	}, nil
}

// forwardHeader keeps the request headers worth replaying with a queued
// submission.
func forwardHeader(r *http.Request) http.Header {
	h := http.Header{}
	for _, k := range []string{"User-Agent", "Accept-Language", "X-Forwarded-For"} {
		if v := r.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	return h
}

func writeReply(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(reply{Status: status})
}

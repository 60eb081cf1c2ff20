package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxPayloadBytes caps webhook bodies. GitHub's own limit is 25 MB; we
// accept far less since we only read a few fields.
const maxPayloadBytes = 5 << 20

// Handler is the HTTP ingress for GitHub webhooks. Signature
// verification happens before the body is parsed; unverified payloads
// never reach the dispatcher or the store.
type Handler struct {
	secret     string
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewHandler builds the webhook HTTP handler.
func NewHandler(secret string, dispatcher *Dispatcher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{secret: secret, dispatcher: dispatcher, log: log}
}

// ServeHTTP handles POST /webhooks/github.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		// One generic response for every verification failure; the cause
		// goes to the log only.
		h.log.Warn("webhook signature rejected", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventName := r.Header.Get("X-GitHub-Event")
	sum, err := h.dispatcher.Process(r.Context(), eventName, body)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		h.log.Error("webhook dispatch", "event", eventName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(sum); err != nil {
		h.log.Warn("encoding webhook response", "error", err)
	}
}

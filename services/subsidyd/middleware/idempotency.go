// Package middleware holds HTTP middleware shared by the subsidyd API.
package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/models"
)

// HeaderIdempotencyKey is the request header carrying the client key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the idempotency store.
const HeaderReplayed = "Idempotency-Replayed"

const maxKeyLength = 200

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKey returns the client key attached to ctx, if any.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency executes requests with the same Idempotency-Key once per
// actor. A retry with the same body gets the stored response; a retry with a
// different body is rejected with 409.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			writeJSONError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unable to read request body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		a, _ := actor.FromContext(r.Context())
		scoped := a.ID + "|" + key
		hash := requestHash(r, body)

		var record models.IdempotencyKey
		err = db.WithContext(r.Context()).First(&record, "key = ?", scoped).Error
		switch {
		case err == nil:
			if record.RequestHash != hash {
				writeJSONError(w, http.StatusConflict, "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			writeJSONError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if !final(status) {
			return
		}
		payload := models.IdempotencyKey{
			Key:         scoped,
			ActorID:     a.ID,
			RequestID:   uuid.NewString(),
			Method:      r.Method,
			Path:        r.URL.Path,
			RequestHash: hash,
			Status:      status,
			Response:    recorder.buf.String(),
			CreatedAt:   time.Now().UTC(),
		}
		if err := db.WithContext(context.WithoutCancel(r.Context())).
			Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
			slog.Warn("idempotency record not stored", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		}
	})
}

// final reports whether a response settles the request. Accepted, conflict,
// throttled and server error responses describe a state a retry can move
// past, so they are not replayed.
func final(status int) bool {
	switch {
	case status == http.StatusAccepted:
		return false
	case status >= 200 && status < 300:
		return true
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return false
	case status >= 400 && status < 500:
		return true
	default:
		return false
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = io.WriteString(h, r.Method)
	_, _ = io.WriteString(h, "\n")
	_, _ = io.WriteString(h, r.URL.Path)
	_, _ = io.WriteString(h, "\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

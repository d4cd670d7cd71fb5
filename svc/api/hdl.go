package api

import (
	"clipbin/cfg"
	"clipbin/pkg/domain"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	clips *svc.Clip
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content        string `json:"content"`
	ExpiryDuration string `json:"expiryDuration,omitempty"`
	CustomExpiry   string `json:"customExpiry,omitempty"`
}

type CreateResp struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GetResp struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Hdl) CreateClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	limit := h.cfg.MaxClipSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrClipTooLarge, requestID)
			return
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Content == "" {
		log.Warn().Msg("empty content")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxClipSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrClipTooLarge, requestID)
		return
	}

	now := time.Now()
	expiresAt, err := domain.ResolveExpiry(req.ExpiryDuration, req.CustomExpiry, now)
	if err != nil {
		log.Warn().
			Str("expiry_duration", req.ExpiryDuration).
			Str("custom_expiry", req.CustomExpiry).
			Msg("invalid expiry")
		writeErr(w, domain.ErrInvalidExpiry, requestID)
		return
	}
	if !expiresAt.After(now) {
		log.Warn().Time("expires_at", expiresAt).Msg("expiry not in the future")
		writeErr(w, domain.ErrInvalidExpiry, requestID)
		return
	}
	if expiresAt.After(now.Add(h.cfg.MaxCustomExpiry)) {
		log.Warn().
			Time("requested", expiresAt).
			Dur("max_custom_expiry", h.cfg.MaxCustomExpiry).
			Msg("expiry exceeds maximum")
		writeErr(w, domain.ErrInvalidExpiry, requestID)
		return
	}

	params := domain.CreateParams{
		Content:   sanitizeContent(req.Content),
		ExpiresAt: expiresAt,
	}
	clip, err := h.clips.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, domain.ErrContentRequired) || errors.Is(err, domain.ErrClipTooLarge) ||
			errors.Is(err, domain.ErrInvalidExpiry) || errors.Is(err, domain.ErrServiceUnavailable) ||
			errors.Is(err, domain.ErrIDGenerationFailed) {
			log.Warn().Err(err).Msg("create rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create clip")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("clip_id", clip.ID).
		Time("expires_at", clip.ExpiresAt).
		Msg("clip created")
	resp := CreateResp{
		ID:        clip.ID,
		ExpiresAt: clip.ExpiresAt,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	clip, err := h.clips.Get(r.Context(), id)
	if err != nil {
		// Unknown, expired and revoked are indistinguishable on purpose.
		if errors.Is(err, domain.ErrClipNotFound) {
			writeErr(w, domain.ErrClipNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("clip_id", id).Msg("get failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("clip_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("clip retrieved")
	json.NewEncoder(w).Encode(GetResp{
		Content:   clip.Content,
		CreatedAt: clip.CreatedAt,
		ExpiresAt: clip.ExpiresAt,
	})
}

func (h *Hdl) RevokeClip(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !h.clips.Revoke(r.Context(), id) {
		writeErr(w, domain.ErrClipNotFound, requestID)
		return
	}
	log.Info().
		Str("clip_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("clip revoked")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}

func (h *Hdl) Cleanup(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	removed := h.clips.Cleanup(r.Context())
	log.Info().Int("removed", removed).Msg("manual cleanup")
	json.NewEncoder(w).Encode(map[string]int{"deleted_count": removed})
}

func (h *Hdl) GetStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.clips.Stats(r.Context()))
}

func (h *Hdl) GetExpiries(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(domain.ExpiryTokens)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes to NFC, drops invalid UTF-8 and strips control
// characters other than newline, carriage return and tab. The payload is
// otherwise stored verbatim.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	return s
}

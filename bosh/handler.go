// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/klauspost/compress/gzhttp"
)

// DefaultMaxBodySize is the largest request body accepted by a Handler.
const DefaultMaxBodySize = 1 << 20

var (
	xmlMediaType     = contenttype.NewMediaType("text/xml; charset=utf-8")
	allowedMediaType = []contenttype.MediaType{
		contenttype.NewMediaType("text/xml"),
		contenttype.NewMediaType("application/xml"),
		// Some browser clients cannot set a content type on cross origin
		// requests.
		contenttype.NewMediaType("text/plain"),
	}
)

// HandlerOption configures a Handler.
type HandlerOption func(*handler)

// WithLogger sets the logger used for request level events.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *handler) {
		h.log = l
	}
}

// WithAllowOrigin sets the value of the Access-Control-Allow-Origin header.
// An empty value disables CORS headers.
// The default is "*".
func WithAllowOrigin(origin string) HandlerOption {
	return func(h *handler) {
		h.origin = origin
	}
}

// WithMaxBodySize limits the size of request bodies.
func WithMaxBodySize(n int64) HandlerOption {
	return func(h *handler) {
		h.maxBody = n
	}
}

// WithCompression enables gzip compression of responses for clients that
// accept it.
func WithCompression(enabled bool) HandlerOption {
	return func(h *handler) {
		h.gzip = enabled
	}
}

type handler struct {
	m       *Manager
	log     *slog.Logger
	origin  string
	maxBody int64
	gzip    bool
}

// NewHandler returns an http.Handler that serves BOSH requests with m.
func NewHandler(m *Manager, opts ...HandlerOption) http.Handler {
	h := &handler{
		m:       m,
		log:     m.logger,
		origin:  "*",
		maxBody: DefaultMaxBodySize,
	}
	for _, o := range opts {
		o(h)
	}
	if h.gzip {
		return gzhttp.GzipHandler(h)
	}
	return h
}

func (h *handler) cors(w http.ResponseWriter) {
	if h.origin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", h.origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86400")
	if h.origin != "*" {
		w.Header().Add("Vary", "Origin")
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		h.log.Debug("http.method.unsupported", slog.String("method", r.Method))
		return
	}

	start := time.Now()
	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !acceptable(ctype) {
			http.Error(w, "content-type must be text/xml", http.StatusUnsupportedMediaType)
			h.log.Warn("content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			return
		}
	}

	body, err := ParseBody(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			h.log.Warn("http.body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		h.log.Warn("bosh.body.invalid", slog.String("err", err.Error()))
		h.write(w, TerminateBody(BadRequest), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if r.TLS != nil {
		ctx = WithTLS(ctx, r.TLS)
	}
	resp, err := h.m.Handle(ctx, body)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.Debug("http.post.abandoned", slog.String("sid", body.SID), slog.Uint64("rid", body.RID))
		return
	case err != nil:
		h.log.Info("http.post.terminate",
			slog.String("sid", body.SID),
			slog.Uint64("rid", body.RID),
			slog.String("err", err.Error()))
	}
	h.write(w, resp, http.StatusOK)
	h.log.Debug("http.post.ok",
		slog.String("sid", body.SID),
		slog.Uint64("rid", body.RID),
		slog.Duration("dur", time.Since(start)))
}

func (h *handler) write(w http.ResponseWriter, body []byte, status int) {
	w.Header().Set("Content-Type", xmlMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Debug("http.write.fail", slog.String("err", err.Error()))
	}
}

func acceptable(ctype contenttype.MediaType) bool {
	for _, mt := range allowedMediaType {
		if ctype.Matches(mt) {
			return true
		}
	}
	return false
}

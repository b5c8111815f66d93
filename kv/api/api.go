// Package api exposes a string key-value store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
)

// PasswordHeader carries the API password when one is configured.
const PasswordHeader = "apiPassword"

const (
	flagPutIfAbsent = 1
	flagReplace     = 2
)

// defaultTop caps the entries listed by /get without a key.
const defaultTop = 100

// Store is the subset of kv.Store[string, string] the handler needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Swap(ctx context.Context, key, value string) (string, bool, error)
	PutIfAbsent(ctx context.Context, key, value string) (string, bool, error)
	Replace(ctx context.Context, key, value string) (string, bool, error)
	Take(ctx context.Context, key string) (string, bool, error)
	Scan(ctx context.Context, offset, limit int, fn func(key, value string) (bool, error)) error
}

// Request is the body of /get and /set.
type Request struct {
	Key   *string  `json:"key,omitempty"`
	Keys  []string `json:"keys,omitempty"`
	Value *string  `json:"value,omitempty"`
	Flag  int      `json:"flag,omitempty"`
}

// Entry is one key-value pair listed by /get.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response is returned by every endpoint; Code 0 means the request was served.
type Response struct {
	Code  int                `json:"code"`
	Value *string            `json:"value,omitempty"`
	Entry map[string]*string `json:"entry,omitempty"`
	Top   []Entry            `json:"top,omitempty"`
}

// Handler serves /get and /set.
type Handler struct {
	store    Store
	password string
	top      int
	logf     func(format string, args ...any)
	mux      *http.ServeMux
}

// Option configures a Handler.
type Option func(h *Handler)

// WithPassword requires requests to carry password in the apiPassword header.
func WithPassword(password string) Option {
	return func(h *Handler) { h.password = password }
}

// WithTop sets how many entries /get lists when no key is given.
func WithTop(n int) Option {
	return func(h *Handler) { h.top = n }
}

// WithLogf sets the log function.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(h *Handler) { h.logf = logf }
}

// New returns a handler over store.
func New(store Store, opts ...Option) *Handler {
	h := &Handler{store: store, top: defaultTop, logf: log.Printf, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST /get", h.get)
	h.mux.HandleFunc("POST /set", h.set)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.password != "" && r.Header.Get(PasswordHeader) != h.password {
		h.logf("api: %s %s: auth failed from %s", r.Method, r.URL.Path, r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	switch {
	case req.Key != nil:
		value, found, err := h.store.Get(ctx, *req.Key)
		if err != nil {
			h.fail(w, "get", err)
			return
		}
		h.send(w, Response{Value: optional(value, found)})
	case req.Keys != nil:
		entry := make(map[string]*string, len(req.Keys))
		for _, key := range req.Keys {
			value, found, err := h.store.Get(ctx, key)
			if err != nil {
				h.fail(w, "get", err)
				return
			}
			entry[key] = optional(value, found)
		}
		h.send(w, Response{Entry: entry})
	default:
		top := make([]Entry, 0)
		err := h.store.Scan(ctx, 0, h.top, func(key, value string) (bool, error) {
			top = append(top, Entry{Key: key, Value: value})
			return true, nil
		})
		if err != nil {
			h.fail(w, "scan", err)
			return
		}
		h.send(w, Response{Code: 1, Top: top})
	}
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.Key == nil {
		h.send(w, Response{Code: 1})
		return
	}
	ctx := r.Context()
	key := *req.Key
	var (
		previous string
		found    bool
		err      error
	)
	switch {
	case req.Value == nil:
		previous, found, err = h.store.Take(ctx, key)
	case req.Flag == flagPutIfAbsent:
		previous, found, err = h.store.PutIfAbsent(ctx, key, *req.Value)
	case req.Flag == flagReplace:
		previous, found, err = h.store.Replace(ctx, key, *req.Value)
	default:
		previous, found, err = h.store.Swap(ctx, key, *req.Value)
	}
	if err != nil {
		h.fail(w, "set", err)
		return
	}
	h.send(w, Response{Value: optional(previous, found)})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	req := &Request{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.logf("api: %s: invalid body: %v", r.URL.Path, err)
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return nil, false
	}
	return req, true
}

func (h *Handler) send(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logf("api: encode response: %v", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logf("api: %s: %v", op, err)
	http.Error(w, op+" failed", http.StatusInternalServerError)
}

func optional(value string, ok bool) *string {
	if !ok {
		return nil
	}
	return &value
}

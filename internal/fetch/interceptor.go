// Package fetch sits between the POS web app and its origins. It serves
// reads from versioned caches when the network fails and captures mutations
// made offline so the sync queue can replay them later.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Lokii1211/kadaigpt-sub002/internal/apiclient"
	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/uuid"
)

const (
	// CachePrefix starts every cache name this layer owns.
	CachePrefix = "kadaigpt-"

	// SourceHeader tells the app whether a response came from the network or a cache.
	SourceHeader = "X-Kadai-Source"

	sourceNetwork = "network"
	sourceCache   = "cache"

	maxBodyBytes = 10 << 20
)

var (
	staticExts = map[string]bool{
		".js": true, ".mjs": true, ".css": true, ".map": true,
		".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	}
	imageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
		".svg": true, ".ico": true, ".avif": true,
	}
	hopHeaders = []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	}
)

// CacheNames are the caches for one app version.
type CacheNames struct {
	Shell  string
	API    string
	Images string
}

// NamesFor returns the cache names for version.
func NamesFor(version string) CacheNames {
	return CacheNames{
		Shell:  CachePrefix + "shell-" + version,
		API:    CachePrefix + "api-" + version,
		Images: CachePrefix + "images-" + version,
	}
}

func (n CacheNames) all() []string {
	return []string{n.Shell, n.API, n.Images}
}

// Connectivity reports the monitor's view of the network.
type Connectivity interface {
	Online() bool
}

// TokenSink receives bearer tokens seen on proxied API requests, so queued
// deliveries can authenticate as the signed-in cashier.
type TokenSink interface {
	SetToken(token string)
}

// Config configures an Interceptor.
type Config struct {
	APIBaseURL string
	AppBaseURL string
	Version    string
	ShellURLs  []string
	Timeout    time.Duration
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithHTTPClient replaces the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Interceptor) { i.client = c }
}

// WithTokenSink forwards bearer tokens to s.
func WithTokenSink(s TokenSink) Option {
	return func(i *Interceptor) { i.tokens = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// Interceptor is the http.Handler for everything the edge does not serve itself.
type Interceptor struct {
	api       *url.URL
	app       *url.URL
	names     CacheNames
	shellURLs []string

	store  Storage
	conn   Connectivity
	bus    messaging.Poster
	client *http.Client
	tokens TokenSink
	now    func() time.Time
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(cfg Config, store Storage, conn Connectivity, bus messaging.Poster, opts ...Option) (*Interceptor, error) {
	api, err := parseBase(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	app, err := parseBase(cfg.AppBaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Version == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "cache version is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	i := &Interceptor{
		api:       api,
		app:       app,
		names:     NamesFor(cfg.Version),
		shellURLs: cfg.ShellURLs,
		store:     store,
		conn:      conn,
		bus:       bus,
		now:       time.Now,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid upstream URL", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "upstream URL must be absolute: "+raw)
	}
	return u, nil
}

// Names returns the current cache names.
func (i *Interceptor) Names() CacheNames {
	return i.names
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case isMutation(r.Method):
		i.serveMutation(w, r)
	case r.Method != http.MethodGet:
		i.servePassthrough(w, r)
	case isAPI(r.URL.Path):
		i.serveAPI(w, r)
	case isImage(r):
		i.serveCacheFirst(w, r, i.names.Images)
	case staticExts[strings.ToLower(path.Ext(r.URL.Path))]:
		i.serveCacheFirst(w, r, i.names.Shell)
	default:
		i.serveNavigation(w, r)
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isAPI(p string) bool {
	return strings.HasPrefix(p, "/api/")
}

func isImage(r *http.Request) bool {
	if imageExts[strings.ToLower(path.Ext(r.URL.Path))] {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "image/")
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func (i *Interceptor) upstreamURL(r *http.Request) string {
	base := i.app
	if isAPI(r.URL.Path) {
		base = i.api
	}
	return base.String() + r.URL.RequestURI()
}

type queuedResponse struct {
	Success     bool   `json:"success"`
	Offline     bool   `json:"offline"`
	Queued      bool   `json:"queued"`
	Message     string `json:"message"`
	OperationID string `json:"operation_id"`
}

type offlineError struct {
	Success bool   `json:"success"`
	Offline bool   `json:"offline"`
	Error   string `json:"error"`
}

// serveMutation forwards when online and captures when the network is gone.
func (i *Interceptor) serveMutation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, offlineError{Error: err.Error()})
		return
	}

	opID := r.Header.Get(apiclient.IdempotencyHeader)
	if opID == "" {
		opID = uuid.New()
	}
	i.takeToken(r)

	if i.conn.Online() {
		header := r.Header.Clone()
		header.Set(apiclient.IdempotencyHeader, opID)
		resp, err := i.roundTrip(r.Context(), r.Method, i.upstreamURL(r), header, body)
		if err == nil {
			i.write(w, resp, sourceNetwork)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		logging.Warn("Upstream unreachable, capturing request", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}

	i.capture(w, r, body, opID)
}

func (i *Interceptor) capture(w http.ResponseWriter, r *http.Request, body []byte, opID string) {
	header := r.Header.Clone()
	dropHopHeaders(header)

	rec := models.RecordedRequest{
		OperationID: opID,
		Method:      r.Method,
		URL:         i.upstreamURL(r),
		Header:      header,
		Body:        body,
		CapturedAt:  i.now().Unix(),
	}
	if err := i.post(r.Context(), messaging.QueueOfflineRequest, rec); err != nil {
		logging.Error("Failed to queue offline request", err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		writeJSON(w, http.StatusServiceUnavailable, offlineError{
			Offline: true,
			Error:   "You are offline and the request could not be saved",
		})
		return
	}

	logging.Info("Captured offline request", map[string]interface{}{
		"operation_id": opID,
		"method":       r.Method,
		"path":         r.URL.Path,
	})
	writeJSON(w, http.StatusAccepted, queuedResponse{
		Success:     true,
		Offline:     true,
		Queued:      true,
		Message:     "Saved offline. It will be sent when you are back online.",
		OperationID: opID,
	})
}

type subscriberCounter interface {
	Count(t messaging.MessageType) int
}

// post delivers a message and fails when nothing is listening for it.
func (i *Interceptor) post(ctx context.Context, t messaging.MessageType, data interface{}) error {
	if c, ok := i.bus.(subscriberCounter); ok && c.Count(t) == 0 {
		return apperrors.New(apperrors.ErrStorageUnavailable, "no subscriber for "+string(t))
	}
	msg, err := messaging.NewMessage(t, data)
	if err != nil {
		return err
	}
	return i.bus.Post(ctx, msg)
}

func (i *Interceptor) servePassthrough(w http.ResponseWriter, r *http.Request) {
	resp, err := i.roundTrip(r.Context(), r.Method, i.upstreamURL(r), r.Header.Clone(), nil)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	i.write(w, resp, sourceNetwork)
}

// serveAPI is network-first with the API cache as fallback.
func (i *Interceptor) serveAPI(w http.ResponseWriter, r *http.Request) {
	i.takeToken(r)
	if i.networkFirst(w, r, i.names.API) {
		return
	}
	if wantsHTML(r) && i.serveShell(w, r) {
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, offlineError{
		Offline: true,
		Error:   "You are offline and this data is not cached",
	})
}

func (i *Interceptor) serveNavigation(w http.ResponseWriter, r *http.Request) {
	if i.networkFirst(w, r, i.names.Shell) {
		return
	}
	if wantsHTML(r) && i.serveShell(w, r) {
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// networkFirst tries the network, then cache, and reports whether it wrote a
// response. While offline the cache is tried first and the network only on a
// miss.
func (i *Interceptor) networkFirst(w http.ResponseWriter, r *http.Request, cache string) bool {
	online := i.conn.Online()
	if online && i.fromNetwork(w, r, cache) {
		return true
	}
	if hit := i.match(r.Context(), cache, cacheKey(r)); hit != nil {
		i.write(w, hit, sourceCache)
		return true
	}
	if !online && i.fromNetwork(w, r, cache) {
		return true
	}
	return false
}

func (i *Interceptor) fromNetwork(w http.ResponseWriter, r *http.Request, cache string) bool {
	resp, err := i.roundTrip(r.Context(), http.MethodGet, i.upstreamURL(r), r.Header.Clone(), nil)
	if err != nil {
		logging.Debug("Network fetch failed", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		return false
	}
	if ok(resp.Status) {
		i.put(r.Context(), cache, cacheKey(r), resp)
	}
	i.write(w, resp, sourceNetwork)
	return true
}

func (i *Interceptor) serveCacheFirst(w http.ResponseWriter, r *http.Request, cache string) {
	if hit := i.match(r.Context(), cache, cacheKey(r)); hit != nil {
		i.write(w, hit, sourceCache)
		return
	}
	if !i.fromNetwork(w, r, cache) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// serveShell writes the cached app shell so the app can boot offline.
func (i *Interceptor) serveShell(w http.ResponseWriter, r *http.Request) bool {
	for _, key := range []string{"/index.html", "/"} {
		if hit := i.match(r.Context(), i.names.Shell, key); hit != nil {
			i.write(w, hit, sourceCache)
			return true
		}
	}
	return false
}

func (i *Interceptor) match(ctx context.Context, cache, key string) *CachedResponse {
	hit, err := i.store.Match(ctx, cache, key)
	if err != nil {
		logging.Warn("Cache read failed", map[string]interface{}{
			"cache": cache,
			"key":   key,
			"error": err.Error(),
		})
		return nil
	}
	return hit
}

func (i *Interceptor) put(ctx context.Context, cache, key string, resp *CachedResponse) {
	if err := i.store.Put(ctx, cache, key, resp); err != nil {
		logging.Warn("Cache write failed", map[string]interface{}{
			"cache": cache,
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (i *Interceptor) takeToken(r *http.Request) {
	if i.tokens == nil {
		return
	}
	auth := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found && token != "" {
		i.tokens.SetToken(token)
	}
}

// roundTrip performs one upstream request. Any HTTP status is a response;
// only transport failures are errors.
func (i *Interceptor) roundTrip(ctx context.Context, method, target string, header http.Header, body []byte) (*CachedResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build upstream request", err)
	}
	if header != nil {
		dropHopHeaders(header)
		header.Del("Content-Length")
		req.Header = header
	}

	res, err := i.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "upstream request failed", err)
	}
	defer res.Body.Close()

	data, err := readBody(res.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDeliveryFailed, "failed to read upstream response", err)
	}
	respHeader := res.Header.Clone()
	dropHopHeaders(respHeader)
	return &CachedResponse{
		Status:   res.StatusCode,
		Header:   respHeader,
		Body:     data,
		StoredAt: i.now(),
	}, nil
}

func (i *Interceptor) write(w http.ResponseWriter, resp *CachedResponse, source string) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Del("Content-Length")
	h.Set(SourceHeader, source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// Install pre-caches the app shell. Failed URLs are logged and skipped; it
// returns how many were cached.
func (i *Interceptor) Install(ctx context.Context) (int, error) {
	for _, name := range i.names.all() {
		if err := i.store.Open(ctx, name); err != nil {
			return 0, err
		}
	}

	cached := 0
	for _, u := range i.shellURLs {
		resp, err := i.roundTrip(ctx, http.MethodGet, i.app.String()+u, http.Header{}, nil)
		if err != nil || !ok(resp.Status) {
			fields := map[string]interface{}{"url": u}
			if err != nil {
				fields["error"] = err.Error()
			} else {
				fields["status"] = resp.Status
			}
			logging.Warn("Failed to pre-cache shell URL", fields)
			continue
		}
		if err := i.store.Put(ctx, i.names.Shell, u, resp); err != nil {
			return cached, err
		}
		cached++
	}

	logging.Info("App shell installed", map[string]interface{}{
		"cache":  i.names.Shell,
		"cached": cached,
		"total":  len(i.shellURLs),
	})
	return cached, nil
}

// Activate deletes every cache that does not belong to the current version
// and returns the names it removed.
func (i *Interceptor) Activate(ctx context.Context) ([]string, error) {
	names, err := i.store.Names(ctx)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, n := range i.names.all() {
		keep[n] = true
	}

	var removed []string
	for _, n := range names {
		if keep[n] {
			continue
		}
		if err := i.store.Delete(ctx, n); err != nil {
			return removed, err
		}
		removed = append(removed, n)
	}
	if len(removed) > 0 {
		logging.Info("Removed stale caches", map[string]interface{}{"caches": removed})
	}
	return removed, nil
}

// NotifySync asks the app side to drain the sync queue.
func (i *Interceptor) NotifySync(ctx context.Context) error {
	return i.post(ctx, messaging.ProcessSyncQueue, nil)
}

func ok(status int) bool {
	return status >= 200 && status < 300
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, apperrors.New(apperrors.ErrInvalid, "body too large")
	}
	return data, nil
}

func dropHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package apitest provides an in-memory KadaiGPT API for tests. It honors
// Idempotency-Key on every mutation, so delivering the same request twice
// produces one server record.
package apitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// Bill is a bill accepted by the server.
type Bill struct {
	ID             string
	IdempotencyKey string
	Payload        models.BillPayload
}

// Call is one request seen by the server.
type Call struct {
	Method         string
	Path           string
	IdempotencyKey string
	Authorization  string
	Body           []byte
}

// Server is a running fake API.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	products  map[string]models.CachedProduct
	customers []models.CachedCustomer
	bills     []Bill
	byKey     map[string]string
	replays   map[string]Call
	calls     []Call
	nextID    int
	failNext  []int
	dropAcks  int
	down      bool
	token     string
}

// NewServer starts a fake API. Close it when done.
func NewServer() *Server {
	s := &Server{
		products: make(map[string]models.CachedProduct),
		byKey:    make(map[string]string),
		replays:  make(map[string]Call),
		nextID:   1000,
	}

	r := chi.NewRouter()
	r.Use(s.intercept)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/v1/bills", s.handleCreateBill)
	r.Get("/api/v1/products", s.handleProducts)
	r.Get("/api/v1/customers", s.handleCustomers)
	r.HandleFunc("/api/v1/*", s.handleOther)

	s.Server = httptest.NewServer(r)
	return s
}

// intercept records calls and applies injected failures.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Authorization:  r.Header.Get("Authorization"),
			Body:           body,
		})
		down := s.down
		status := 0
		if len(s.failNext) > 0 {
			status = s.failNext[0]
			s.failNext = s.failNext[1:]
		}
		token := s.token
		s.mu.Unlock()

		if down {
			dropConnection(w)
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]interface{}{"success": false, "error": http.StatusText(status)})
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var payload models.BillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid JSON"})
		return
	}
	if err := payload.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = payload.ClientBillID
	}

	s.mu.Lock()
	if id, ok := s.byKey[key]; ok && key != "" {
		drop := s.takeDrop()
		s.mu.Unlock()
		if drop {
			dropConnection(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "duplicate": true, "data": map[string]interface{}{"id": json.Number(id)}})
		return
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.bills = append(s.bills, Bill{ID: id, IdempotencyKey: key, Payload: payload})
	if key != "" {
		s.byKey[key] = id
	}
	for _, item := range payload.Items {
		p, ok := s.products[item.ProductID.String()]
		if !ok {
			continue
		}
		p.CurrentStock -= item.Quantity
		if p.CurrentStock < 0 {
			p.CurrentStock = 0
		}
		s.products[p.ID.String()] = p
	}
	drop := s.takeDrop()
	s.mu.Unlock()

	// Committed but the client never hears back.
	if drop {
		dropConnection(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": map[string]interface{}{"id": json.Number(id)}})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	products := make([]models.CachedProduct, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	s.mu.Unlock()
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": products})
}

func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	customers := append([]models.CachedCustomer(nil), s.customers...)
	s.mu.Unlock()

	// bare array, as some API versions return
	writeJSON(w, http.StatusOK, customers)
}

func (s *Server) handleOther(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "not found"})
		return
	}
	body, _ := io.ReadAll(r.Body)
	key := r.Header.Get("Idempotency-Key")

	s.mu.Lock()
	_, seen := s.replays[key]
	if !seen && key != "" {
		s.replays[key] = Call{Method: r.Method, Path: r.URL.Path, IdempotencyKey: key, Body: body}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "duplicate": seen})
}

func (s *Server) takeDrop() bool {
	if s.dropAcks > 0 {
		s.dropAcks--
		return true
	}
	return false
}

// SetProducts replaces the server's product collection.
func (s *Server) SetProducts(products ...models.CachedProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = make(map[string]models.CachedProduct, len(products))
	for _, p := range products {
		s.products[p.ID.String()] = p
	}
}

// SetCustomers replaces the server's customer collection.
func (s *Server) SetCustomers(customers ...models.CachedCustomer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers = append([]models.CachedCustomer(nil), customers...)
}

// Product returns the server's copy of a product.
func (s *Server) Product(id string) (models.CachedProduct, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// Bills returns every accepted bill in arrival order.
func (s *Server) Bills() []Bill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bill(nil), s.bills...)
}

// Replays returns the distinct non-bill mutations accepted, by idempotency key.
func (s *Server) Replays() map[string]Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Call, len(s.replays))
	for k, v := range s.replays {
		out[k] = v
	}
	return out
}

// Calls returns every request seen, including rejected ones.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo counts requests with the given method and path.
func (s *Server) CallsTo(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// FailNext makes the next len(statuses) requests fail with those statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

// DropNextAcks makes the next n bill creations commit and then close the
// connection without a response.
func (s *Server) DropNextAcks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks = n
}

// SetDown makes every request fail at the network level.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// RequireToken makes the server reject requests without this bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("apitest: response writer cannot be hijacked")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

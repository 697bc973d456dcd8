package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/notify"
	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/queue"
	"github.com/uhyunpark/swapexec/pkg/util"
)

const defaultListLimit = 50

// Submitter accepts new orders (engine.Intake).
type Submitter interface {
	Submit(ctx context.Context, req order.Request) (*order.Order, error)
}

// OrderReader is the read side of the order store.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
}

type Options struct {
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
	Metrics        *metrics.Metrics
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	// QueueName is reported by /health.
	QueueName string
}

// Server serves order intake, order reads and per-order status streams.
type Server struct {
	intake Submitter
	orders OrderReader
	bus    notify.Bus
	opts   Options
	log    *zap.SugaredLogger

	router *mux.Router
	http   *http.Server

	// streams ends every open status stream on Shutdown.
	streams      context.Context
	closeStreams context.CancelFunc
}

func NewServer(intake Submitter, orders OrderReader, bus notify.Bus, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		intake:       intake,
		orders:       orders,
		bus:          bus,
		opts:         opts,
		log:          util.OrNop(opts.Logger),
		router:       mux.NewRouter(),
		streams:      ctx,
		closeStreams: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods("POST")
	// Registered before /orders/{id} so "ws" is not taken for an id.
	api.HandleFunc("/orders/ws", s.handleOrderStream).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the routes wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown closes open streams and stops accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Message: err.Error()})
		return
	}

	o, err := s.intake.Submit(r.Context(), req)
	var verr *order.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid order", Message: verr.Error(), Field: verr.Field})
		return
	case errors.Is(err, queue.ErrQueueClosed):
		respondError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "not accepting orders", Message: err.Error()})
		return
	case err != nil:
		s.log.Errorw("order_intake_failed", "err", err)
		respondError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to accept order"})
		return
	}

	respondJSONStatus(w, http.StatusCreated, ExecuteOrderResponse{OrderID: o.ID, Status: o.Status})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	o, err := s.orders.GetOrder(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		respondError(w, http.StatusNotFound, ErrorResponse{Error: "order not found", Message: id})
		return
	}
	if err != nil {
		s.log.Errorw("order_read_failed", "order_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read order"})
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := order.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid status", Field: "status", Message: string(status)})
		return
	}
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Field: "limit", Message: v})
			return
		}
		limit = n
	}

	orders, err := s.orders.ListOrders(r.Context(), status, limit)
	if err != nil {
		s.log.Errorw("order_list_failed", "err", err)
		respondError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list orders"})
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	respondJSON(w, OrderListResponse{Orders: orders, Count: len(orders)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Queue: s.opts.QueueName})
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, body ErrorResponse) {
	respondJSONStatus(w, status, body)
}

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Server receives provider webhooks and exposes health and metrics
// endpoints. POST processing is asynchronous: the provider gets its 200
// immediately and the payload is handed to a worker pool, because slow or
// non-2xx responses make the provider retry delivery aggressively.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	ingestor   *usecase.Ingestor
	pool       *ants.Pool
	logger     *zap.Logger

	verifyToken string
	appSecret   string
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates the webhook server. appSecret enables signature
// verification when non-empty.
func NewServer(port int, verifyToken, appSecret string, poolSize int, ingestor *usecase.Ingestor, logger *zap.Logger) (*Server, error) {
	// Nonblocking: a saturated pool must fail Submit immediately so the
	// handler can fall back inline instead of stalling the provider's POST.
	pool, err := ants.NewPool(poolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r interface{}) {
			logger.Error("Panic in webhook processing task", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook pool: %w", err)
	}

	mux := http.NewServeMux()
	server := &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		mux:         mux,
		ingestor:    ingestor,
		pool:        pool,
		logger:      logger,
		verifyToken: verifyToken,
		appSecret:   appSecret,
	}

	mux.HandleFunc("/webhooks/whatsapp", server.handleWebhook)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server, nil
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Start begins the HTTP server
func (s *Server) Start() {
	utils.SafeGo(func() {
		s.logger.Info("Starting webhook server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook server error", zap.Error(err))
		}
	}, nil)
}

// Stop gracefully shuts down the HTTP server and releases the pool.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping webhook server")
	err := s.httpServer.Shutdown(ctx)
	s.pool.Release()
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerification(w, r)
	case http.MethodPost:
		s.handleDelivery(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the provider's subscription handshake: echo
// hub.challenge when hub.verify_token matches.
func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken {
		s.logger.Warn("Webhook verification failed", zap.String("mode", mode))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	s.logger.Info("Webhook verification succeeded")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleDelivery acknowledges the payload immediately and processes it on
// the pool. A signature mismatch is logged and flagged but the payload is
// still persisted; dropping it would lose the only copy of the event.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.appSecret != "" {
		if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			s.logger.Warn("Webhook signature mismatch",
				zap.String("remote_addr", r.RemoteAddr))
		}
	}

	requestID := uuid.NewString()
	submitErr := s.pool.Submit(func() {
		ctx := tenant.WithRequestID(context.Background(), requestID)
		if err := s.ingestor.Ingest(ctx, body); err != nil {
			s.logger.Error("Webhook ingestion failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
	})
	if submitErr != nil {
		// Pool saturated; process inline rather than dropping the delivery.
		s.logger.Warn("Webhook pool saturated, processing inline", zap.Error(submitErr))
		ctx := tenant.WithRequestID(r.Context(), requestID)
		if err := s.ingestor.Ingest(ctx, body); err != nil {
			s.logger.Error("Inline webhook ingestion failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}

	utils.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "received"})
}

// verifySignature checks the X-Hub-Signature-256 header (sha256= prefix,
// hex HMAC-SHA256 of the raw body keyed by the app secret).
func (s *Server) verifySignature(body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: "1.0.0",
	}
	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady handles the /ready endpoint for readiness probes
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}
	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

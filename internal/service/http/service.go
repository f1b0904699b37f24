package httpsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/service/timeline"
)

// Service реализует JSON API поверх timeline-движка и репозиториев.
type Service struct {
	bundles     domain.BundleRepository
	transitions domain.TransitionRepository
	recorder    *timeline.Recorder
	orch        timeline.Orchestrator
	idemRepo    domain.IdempotencyRepository
	logger      *log.Entry
}

// NewService конструирует сервис с зависимостями.
func NewService(
	bundles domain.BundleRepository,
	transitions domain.TransitionRepository,
	recorder *timeline.Recorder,
	orch timeline.Orchestrator,
	idemRepo domain.IdempotencyRepository,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	return &Service{
		bundles:     bundles,
		transitions: transitions,
		recorder:    recorder,
		orch:        orch,
		idemRepo:    idemRepo,
		logger:      logger,
	}
}

// Routes регистрирует обработчики API.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/accounts", s.withIdempotency(s.handleCreateAccount))
	mux.HandleFunc("GET /v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("POST /v1/bundles", s.withIdempotency(s.handleCreateBundle))
	mux.HandleFunc("POST /v1/subscriptions", s.withIdempotency(s.handleCreateSubscription))
	mux.HandleFunc("POST /v1/subscriptions/{id}/transitions", s.withIdempotency(s.handleAppendTransition))
	mux.HandleFunc("POST /v1/subscriptions/{id}/pause", s.withIdempotency(s.handlePause))
	mux.HandleFunc("POST /v1/subscriptions/{id}/resume", s.withIdempotency(s.handleResume))
	mux.HandleFunc("POST /v1/blocking-states", s.withIdempotency(s.handleRecordBlockingState))
	mux.HandleFunc("GET /v1/bundles/{id}/timeline", s.handleBundleTimeline)
	mux.HandleFunc("GET /v1/subscriptions/{id}/timeline", s.handleSubscriptionTimeline)
}

type createAccountRequest struct {
	ExternalKey string `json:"external_key"`
	TimeZone    string `json:"time_zone"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	ExternalKey string    `json:"external_key"`
	TimeZone    string    `json:"time_zone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	account := domain.Account{
		ID:          uuid.NewString(),
		ExternalKey: req.ExternalKey,
		TimeZone:    req.TimeZone,
		CreatedAt:   time.Now().UTC(),
	}
	if errs := account.ValidateInvariants(); len(errs) > 0 {
		s.writeError(w, http.StatusBadRequest, errors.Join(errs...))
		return
	}
	if err := s.bundles.CreateAccount(account); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Service) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.bundles.GetAccount(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type createBundleRequest struct {
	AccountID   string `json:"account_id"`
	ExternalKey string `json:"external_key"`
}

type bundleResponse struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	ExternalKey string    `json:"external_key"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req createBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AccountID == "" {
		s.writeError(w, http.StatusBadRequest, domain.ErrAccountIDRequired)
		return
	}

	bundle := domain.Bundle{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		ExternalKey: req.ExternalKey,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.bundles.CreateBundle(bundle); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, bundleResponse{
		ID:          bundle.ID,
		AccountID:   bundle.AccountID,
		ExternalKey: bundle.ExternalKey,
		CreatedAt:   bundle.CreatedAt,
	})
}

type createSubscriptionRequest struct {
	BundleID    string    `json:"bundle_id"`
	ExternalKey string    `json:"external_key"`
	EffectiveAt time.Time `json:"effective_at"`
}

type subscriptionResponse struct {
	ID          string    `json:"id"`
	BundleID    string    `json:"bundle_id"`
	AccountID   string    `json:"account_id"`
	ExternalKey string    `json:"external_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// handleCreateSubscription создаёт подписку и её CREATE-переход одним запросом.
func (s *Service) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.BundleID == "" {
		s.writeError(w, http.StatusBadRequest, domain.ErrBundleIDRequired)
		return
	}

	bundle, err := s.bundles.GetBundle(req.BundleID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	effectiveAt := req.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = now
	}

	sub := domain.Subscription{
		ID:          uuid.NewString(),
		BundleID:    bundle.ID,
		AccountID:   bundle.AccountID,
		ExternalKey: req.ExternalKey,
		CreatedAt:   now,
	}
	if err := s.bundles.CreateSubscription(sub); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.transitions.Append(domain.SubscriptionTransition{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		BundleID:       sub.BundleID,
		Type:           domain.TransitionCreate,
		EffectiveAt:    effectiveAt,
		CreatedAt:      now,
	}); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, subscriptionResponse{
		ID:          sub.ID,
		BundleID:    sub.BundleID,
		AccountID:   sub.AccountID,
		ExternalKey: sub.ExternalKey,
		CreatedAt:   sub.CreatedAt,
	})
}

type appendTransitionRequest struct {
	Type          string                  `json:"type"`
	EffectiveAt   time.Time               `json:"effective_at"`
	PreviousPhase *domain.PhaseDescriptor `json:"previous_phase,omitempty"`
	NextPhase     *domain.PhaseDescriptor `json:"next_phase,omitempty"`
}

func (s *Service) handleAppendTransition(w http.ResponseWriter, r *http.Request) {
	sub, err := s.bundles.GetSubscription(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req appendTransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	tr := domain.SubscriptionTransition{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		BundleID:       sub.BundleID,
		Type:           domain.TransitionType(req.Type),
		EffectiveAt:    req.EffectiveAt,
		PreviousPhase:  req.PreviousPhase,
		NextPhase:      req.NextPhase,
		CreatedAt:      time.Now().UTC(),
	}
	if errs := tr.ValidateInvariants(); len(errs) > 0 {
		s.writeError(w, http.StatusBadRequest, errors.Join(errs...))
		return
	}
	if err := s.transitions.Append(tr); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"id": tr.ID})
}

type blockingStateRequest struct {
	BlockedID        string    `json:"blocked_id"`
	Scope            string    `json:"scope"`
	StateName        string    `json:"state_name"`
	Service          string    `json:"service"`
	BlockEntitlement bool      `json:"block_entitlement"`
	BlockBilling     bool      `json:"block_billing"`
	BlockChange      bool      `json:"block_change"`
	EffectiveAt      time.Time `json:"effective_at"`
}

type blockingStateResponse struct {
	ID               string    `json:"id"`
	BlockedID        string    `json:"blocked_id"`
	Scope            string    `json:"scope"`
	StateName        string    `json:"state_name"`
	Service          string    `json:"service"`
	BlockEntitlement bool      `json:"block_entitlement"`
	BlockBilling     bool      `json:"block_billing"`
	BlockChange      bool      `json:"block_change"`
	EffectiveAt      time.Time `json:"effective_at"`
	SequenceNumber   int64     `json:"sequence_number"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Service) handleRecordBlockingState(w http.ResponseWriter, r *http.Request) {
	var req blockingStateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	saved, err := s.recorder.RecordBlockingState(domain.BlockingState{
		BlockedID:        req.BlockedID,
		Scope:            domain.BlockingScope(req.Scope),
		StateName:        req.StateName,
		Service:          req.Service,
		BlockEntitlement: req.BlockEntitlement,
		BlockBilling:     req.BlockBilling,
		BlockChange:      req.BlockChange,
		EffectiveAt:      req.EffectiveAt,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toBlockingStateResponse(saved))
}

type pauseResumeRequest struct {
	EffectiveAt time.Time `json:"effective_at"`
}

// handlePause записывает well-known пару блокировок entitlement+billing.
func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	s.recordPauseState(w, r, "PAUSED", true)
}

// handleResume снимает блокировки, записанные pause.
func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	s.recordPauseState(w, r, "ACTIVE", false)
}

func (s *Service) recordPauseState(w http.ResponseWriter, r *http.Request, stateName string, blocked bool) {
	sub, err := s.bundles.GetSubscription(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req pauseResumeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	effectiveAt := req.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = time.Now().UTC()
	}

	saved, err := s.recorder.RecordBlockingState(domain.BlockingState{
		BlockedID:        sub.ID,
		Scope:            domain.BlockingScopeSubscription,
		StateName:        stateName,
		Service:          domain.EntitlementService,
		BlockEntitlement: blocked,
		BlockBilling:     blocked,
		EffectiveAt:      effectiveAt,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toBlockingStateResponse(saved))
}

type eventResponse struct {
	SubscriptionID string                  `json:"subscription_id"`
	EffectiveDate  domain.LocalDate        `json:"effective_date"`
	Type           string                  `json:"type"`
	Service        string                  `json:"service"`
	StateName      string                  `json:"state_name"`
	PreviousPhase  *domain.PhaseDescriptor `json:"previous_phase,omitempty"`
	NextPhase      *domain.PhaseDescriptor `json:"next_phase,omitempty"`
}

type bundleTimelineResponse struct {
	AccountID   string          `json:"account_id"`
	BundleID    string          `json:"bundle_id"`
	ExternalKey string          `json:"external_key"`
	Events      []eventResponse `json:"events"`
}

func (s *Service) handleBundleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.orch.BuildTimeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, bundleTimelineResponse{
		AccountID:   tl.AccountID,
		BundleID:    tl.BundleID,
		ExternalKey: tl.ExternalKey,
		Events:      toEventResponses(tl.Events),
	})
}

func (s *Service) handleSubscriptionTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.orch.BuildSubscriptionTimeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": r.PathValue("id"),
		"events":          toEventResponses(events),
	})
}

func toAccountResponse(account domain.Account) accountResponse {
	return accountResponse{
		ID:          account.ID,
		ExternalKey: account.ExternalKey,
		TimeZone:    account.TimeZone,
		CreatedAt:   account.CreatedAt,
	}
}

func toBlockingStateResponse(state domain.BlockingState) blockingStateResponse {
	return blockingStateResponse{
		ID:               state.ID,
		BlockedID:        state.BlockedID,
		Scope:            string(state.Scope),
		StateName:        state.StateName,
		Service:          state.Service,
		BlockEntitlement: state.BlockEntitlement,
		BlockBilling:     state.BlockBilling,
		BlockChange:      state.BlockChange,
		EffectiveAt:      state.EffectiveAt,
		SequenceNumber:   state.SequenceNumber,
		CreatedAt:        state.CreatedAt,
	}
}

func toEventResponses(events []domain.SubscriptionEvent) []eventResponse {
	result := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		result = append(result, eventResponse{
			SubscriptionID: ev.SubscriptionID,
			EffectiveDate:  ev.EffectiveDate,
			Type:           string(ev.Type),
			Service:        ev.Service,
			StateName:      ev.StateName,
			PreviousPhase:  ev.PreviousPhase,
			NextPhase:      ev.NextPhase,
		})
	}
	return result
}

const maxRequestBody = 1 << 20

func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("failed to encode response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError переводит доменные sentinel-ошибки в HTTP-статусы.
func (s *Service) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrEntityAlreadyExists):
		s.writeError(w, http.StatusConflict, err)
	case isValidationError(err):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrAccountIDRequired,
		domain.ErrBundleIDRequired,
		domain.ErrSubscriptionIDRequired,
		domain.ErrBlockedIDRequired,
		domain.ErrBlockingScopeInvalid,
		domain.ErrStateNameRequired,
		domain.ErrServiceNameRequired,
		domain.ErrEffectiveAtRequired,
		domain.ErrUnknownTransitionType,
		domain.ErrTimeZoneUnknown,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// recordingResponseWriter буферизует ответ для сохранения в replay-кэше.
type recordingResponseWriter struct {
	header http.Header
	status int
	body   strings.Builder
}

func newRecordingResponseWriter() *recordingResponseWriter {
	return &recordingResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *recordingResponseWriter) Header() http.Header { return w.header }

func (w *recordingResponseWriter) WriteHeader(status int) { w.status = status }

func (w *recordingResponseWriter) Write(p []byte) (int, error) { return w.body.WriteString(string(p)) }

// withIdempotency оборачивает мутирующий обработчик replay-кэшем по
// заголовку Idempotency-Key. Без заголовка запрос выполняется напрямую.
func (s *Service) withIdempotency(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.idemRepo == nil {
			handler(w, r)
			return
		}
		idemKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if idemKey == "" {
			handler(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		reqHash := buildRequestHash(r.Method, r.URL.Path, body)
		record, err := s.idemRepo.CreateProcessing(idemKey, reqHash, time.Now().UTC().Add(idempotencyTTL))
		if err != nil {
			s.replayIdempotency(w, err, record)
			return
		}

		recorder := newRecordingResponseWriter()
		handler(recorder, r)

		responseBody := []byte(recorder.body.String())
		if recorder.status >= http.StatusOK && recorder.status < http.StatusBadRequest {
			if markErr := s.idemRepo.MarkDone(idemKey, responseBody, recorder.status); markErr != nil {
				s.logger.WithError(markErr).WithField("idempotency_key", idemKey).Warn("failed to store idempotent success response")
			}
		} else {
			if markErr := s.idemRepo.MarkFailed(idemKey, responseBody, recorder.status); markErr != nil {
				s.logger.WithError(markErr).WithField("idempotency_key", idemKey).Warn("failed to store idempotency failure response")
			}
		}

		copyRecordedResponse(w, recorder)
	}
}

// replayIdempotency воспроизводит сохранённый ответ для повторного ключа.
func (s *Service) replayIdempotency(w http.ResponseWriter, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		s.writeError(w, http.StatusUnprocessableEntity, errors.New("idempotency key is already used with different request payload"))
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			s.writeCachedResponse(w, record)
		case domain.IdempotencyStatusProcessing:
			s.writeError(w, http.StatusConflict, errors.New("request with the same idempotency key is already processing"))
		default:
			s.writeError(w, http.StatusInternalServerError, errors.New("unknown idempotency record status"))
		}
	default:
		s.logger.WithError(createErr).Warn("failed to create idempotency record")
		s.writeError(w, http.StatusInternalServerError, errors.New("failed to initialize idempotency request"))
	}
}

func (s *Service) writeCachedResponse(w http.ResponseWriter, record domain.IdempotencyRecord) {
	status := record.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotency-Replayed", "true")
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		if _, err := w.Write(record.ResponseBody); err != nil {
			s.logger.WithError(err).Warn("failed to write cached response")
		}
	}
}

func copyRecordedResponse(w http.ResponseWriter, recorder *recordingResponseWriter) {
	for key, values := range recorder.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(recorder.status)
	_, _ = io.WriteString(w, recorder.body.String())
}

func buildRequestHash(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

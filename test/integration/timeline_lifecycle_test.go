package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/service/accounts"
	httpsvc "github.com/killbill/killbill-sub011/internal/service/http"
	"github.com/killbill/killbill-sub011/internal/service/timeline"
	"github.com/killbill/killbill-sub011/internal/storage/memory"
)

// TimelineLifecycleTestSuite проверяет полный жизненный цикл подписки
// через HTTP API: от создания аккаунта до построения timeline.
type TimelineLifecycleTestSuite struct {
	suite.Suite
	server   *httptest.Server
	client   *http.Client
	blocking domain.BlockingStateRepository
	keySeq   int
}

type timelineEvent struct {
	SubscriptionID string `json:"subscription_id"`
	EffectiveDate  string `json:"effective_date"`
	Type           string `json:"type"`
	Service        string `json:"service"`
	StateName      string `json:"state_name"`
}

type timelinePayload struct {
	AccountID   string          `json:"account_id"`
	BundleID    string          `json:"bundle_id"`
	ExternalKey string          `json:"external_key"`
	Events      []timelineEvent `json:"events"`
}

func (suite *TimelineLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "integration-test")

	bundles := memory.NewBundleRepository()
	transitions := memory.NewTransitionRepository()
	suite.blocking = memory.NewBlockingStateRepository()
	idem := memory.NewIdempotencyRepository()
	directory := accounts.NewDirectory(bundles)

	recorder := timeline.NewRecorderWithoutMetrics(suite.blocking, nil, logger)
	orch := timeline.NewOrchestratorWithoutMetrics(bundles, transitions, suite.blocking, directory, logger)

	svc := httpsvc.NewService(bundles, transitions, recorder, orch, idem, logger)
	mux := http.NewServeMux()
	svc.Routes(mux)

	suite.server = httptest.NewServer(mux)
	suite.client = suite.server.Client()
	suite.keySeq = 0
}

func (suite *TimelineLifecycleTestSuite) TearDownTest() {
	suite.server.Close()
}

func (suite *TimelineLifecycleTestSuite) TestFullSubscriptionLifecycle() {
	subID := suite.createSubscription("lifecycle", "UTC", "2026-01-01T00:00:00Z")

	// Смена фазы, пауза, возобновление и отмена в разные месяцы.
	suite.postOK(fmt.Sprintf("/v1/subscriptions/%s/transitions", subID), map[string]interface{}{
		"type":           string(domain.TransitionPhase),
		"effective_at":   "2026-02-01T00:00:00Z",
		"previous_phase": map[string]string{"plan_name": "gold", "phase_name": "TRIAL"},
		"next_phase":     map[string]string{"plan_name": "gold", "phase_name": "EVERGREEN"},
	})
	suite.postOK(fmt.Sprintf("/v1/subscriptions/%s/pause", subID), map[string]interface{}{
		"effective_at": "2026-03-01T00:00:00Z",
	})
	suite.postOK(fmt.Sprintf("/v1/subscriptions/%s/resume", subID), map[string]interface{}{
		"effective_at": "2026-04-01T00:00:00Z",
	})
	suite.postOK(fmt.Sprintf("/v1/subscriptions/%s/transitions", subID), map[string]interface{}{
		"type":         string(domain.TransitionCancel),
		"effective_at": "2026-05-01T00:00:00Z",
	})

	tl := suite.subscriptionTimeline(subID)

	var types []string
	dates := make(map[string]string)
	for _, ev := range tl {
		types = append(types, ev.Type)
		dates[ev.Type] = ev.EffectiveDate
	}

	require.Equal(suite.T(), []string{
		string(domain.EventStartEntitlement),
		string(domain.EventStartBilling),
		string(domain.EventPhase),
		string(domain.EventPauseEntitlement),
		string(domain.EventPauseBilling),
		string(domain.EventResumeEntitlement),
		string(domain.EventResumeBilling),
		string(domain.EventStopEntitlement),
		string(domain.EventStopBilling),
	}, types)

	require.Equal(suite.T(), "2026-01-01", dates[string(domain.EventStartEntitlement)])
	require.Equal(suite.T(), "2026-02-01", dates[string(domain.EventPhase)])
	require.Equal(suite.T(), "2026-03-01", dates[string(domain.EventPauseEntitlement)])
	require.Equal(suite.T(), "2026-04-01", dates[string(domain.EventResumeBilling)])
	require.Equal(suite.T(), "2026-05-01", dates[string(domain.EventStopBilling)])
}

func (suite *TimelineLifecycleTestSuite) TestAccountBlockingAppliesToAllSubscriptions() {
	accountID := suite.createAccount("acct-wide", "UTC")
	bundleID := suite.createBundle(accountID, "acct-wide-bundle")
	subA := suite.createSubscriptionInBundle(bundleID, "sub-a", "2026-01-01T00:00:00Z")
	subB := suite.createSubscriptionInBundle(bundleID, "sub-b", "2026-01-01T00:00:00Z")

	suite.postOK("/v1/blocking-states", map[string]interface{}{
		"blocked_id":        accountID,
		"scope":             string(domain.BlockingScopeAccount),
		"state_name":        "OVERDUE",
		"service":           "overdue-service",
		"block_entitlement": true,
		"block_billing":     true,
		"effective_at":      "2026-02-15T00:00:00Z",
	})

	tl := suite.bundleTimeline(bundleID)

	paused := make(map[string]bool)
	for _, ev := range tl.Events {
		if ev.Type == string(domain.EventPauseEntitlement) {
			require.Equal(suite.T(), "2026-02-15", ev.EffectiveDate)
			require.Equal(suite.T(), "OVERDUE", ev.StateName)
			paused[ev.SubscriptionID] = true
		}
	}
	require.True(suite.T(), paused[subA], "account-level block must pause the first subscription")
	require.True(suite.T(), paused[subB], "account-level block must pause the second subscription")
}

func (suite *TimelineLifecycleTestSuite) TestServiceStateChangeWaypoint() {
	subID := suite.createSubscription("waypoints", "UTC", "2026-01-01T00:00:00Z")

	// Сторонний сервис меняет состояние, ничего не блокируя.
	suite.postOK("/v1/blocking-states", map[string]interface{}{
		"blocked_id":   subID,
		"scope":        string(domain.BlockingScopeSubscription),
		"state_name":   "REVIEW",
		"service":      "fraud-service",
		"effective_at": "2026-03-10T00:00:00Z",
	})

	tl := suite.subscriptionTimeline(subID)

	var waypoint *timelineEvent
	for i := range tl {
		if tl[i].Type == string(domain.EventServiceStateChange) {
			waypoint = &tl[i]
		}
	}
	require.NotNil(suite.T(), waypoint, "expected a SERVICE_STATE_CHANGE event")
	require.Equal(suite.T(), "fraud-service", waypoint.Service)
	require.Equal(suite.T(), "REVIEW", waypoint.StateName)
	require.Equal(suite.T(), "2026-03-10", waypoint.EffectiveDate)
}

func (suite *TimelineLifecycleTestSuite) TestAccountTimeZoneShiftsEventDates() {
	// В Нью-Йорке 01:00 UTC 1 марта — ещё 28 февраля.
	subID := suite.createSubscription("tz-shift", "America/New_York", "2026-03-01T01:00:00Z")

	tl := suite.subscriptionTimeline(subID)
	require.NotEmpty(suite.T(), tl)
	for _, ev := range tl {
		require.Equal(suite.T(), "2026-02-28", ev.EffectiveDate)
	}
}

func (suite *TimelineLifecycleTestSuite) TestTimelineBuildIsDeterministic() {
	accountID := suite.createAccount("determinism", "UTC")
	bundleID := suite.createBundle(accountID, "determinism-bundle")
	subID := suite.createSubscriptionInBundle(bundleID, "determinism-sub", "2026-01-01T00:00:00Z")

	// Несколько записей с одинаковым effective_at: порядок событий
	// обязан определяться sequence number, а не порядком выборки.
	for i := 0; i < 3; i++ {
		suite.postOK("/v1/blocking-states", map[string]interface{}{
			"blocked_id":   subID,
			"scope":        string(domain.BlockingScopeSubscription),
			"state_name":   fmt.Sprintf("STATE-%d", i),
			"service":      "fraud-service",
			"effective_at": "2026-02-01T00:00:00Z",
		})
	}

	resp, err := suite.client.Get(suite.server.URL + "/v1/bundles/" + bundleID + "/timeline")
	require.NoError(suite.T(), err)
	first, err := io.ReadAll(resp.Body)
	require.NoError(suite.T(), resp.Body.Close())
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	for i := 0; i < 10; i++ {
		again, err := suite.client.Get(suite.server.URL + "/v1/bundles/" + bundleID + "/timeline")
		require.NoError(suite.T(), err)
		raw, err := io.ReadAll(again.Body)
		require.NoError(suite.T(), again.Body.Close())
		require.NoError(suite.T(), err)
		require.Equal(suite.T(), string(first), string(raw), "rebuild %d diverged", i)
	}
}

func (suite *TimelineLifecycleTestSuite) TestPauseReplayKeepsSingleBlockingRecord() {
	subID := suite.createSubscription("replay", "UTC", "2026-01-01T00:00:00Z")

	path := fmt.Sprintf("/v1/subscriptions/%s/pause", subID)
	body := map[string]interface{}{"effective_at": "2026-02-01T00:00:00Z"}
	key := "replay-pause-key"

	first := suite.post(path, body, key)
	require.Equal(suite.T(), http.StatusCreated, first.status)

	second := suite.post(path, body, key)
	require.Equal(suite.T(), http.StatusCreated, second.status)
	require.Equal(suite.T(), "true", second.replayed)
	require.Equal(suite.T(), first.body, second.body)

	records, err := suite.blocking.ListByBlockedIDs(subID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), records, 1)

	tl := suite.subscriptionTimeline(subID)
	pauses := 0
	for _, ev := range tl {
		if ev.Type == string(domain.EventPauseEntitlement) {
			pauses++
		}
	}
	require.Equal(suite.T(), 1, pauses)
}

// Вспомогательные методы

type postResult struct {
	status   int
	body     string
	replayed string
	id       string
}

func (suite *TimelineLifecycleTestSuite) post(path string, payload interface{}, key string) postResult {
	data, err := json.Marshal(payload)
	require.NoError(suite.T(), err)

	req, err := http.NewRequest(http.MethodPost, suite.server.URL+path, bytes.NewReader(data))
	require.NoError(suite.T(), err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := suite.client.Do(req)
	require.NoError(suite.T(), err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(suite.T(), err)

	result := postResult{
		status:   resp.StatusCode,
		body:     string(raw),
		replayed: resp.Header.Get("Idempotency-Replayed"),
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &decoded) == nil {
		result.id = decoded.ID
	}
	return result
}

func (suite *TimelineLifecycleTestSuite) postOK(path string, payload interface{}) postResult {
	suite.keySeq++
	result := suite.post(path, payload, fmt.Sprintf("it-%d-%d", time.Now().UnixNano(), suite.keySeq))
	require.Equal(suite.T(), http.StatusCreated, result.status, "unexpected status for %s: %s", path, result.body)
	return result
}

func (suite *TimelineLifecycleTestSuite) createAccount(tag, timeZone string) string {
	result := suite.postOK("/v1/accounts", map[string]interface{}{
		"external_key": tag,
		"time_zone":    timeZone,
	})
	require.NotEmpty(suite.T(), result.id)
	return result.id
}

func (suite *TimelineLifecycleTestSuite) createBundle(accountID, externalKey string) string {
	result := suite.postOK("/v1/bundles", map[string]interface{}{
		"account_id":   accountID,
		"external_key": externalKey,
	})
	require.NotEmpty(suite.T(), result.id)
	return result.id
}

func (suite *TimelineLifecycleTestSuite) createSubscriptionInBundle(bundleID, externalKey, effectiveAt string) string {
	result := suite.postOK("/v1/subscriptions", map[string]interface{}{
		"bundle_id":    bundleID,
		"external_key": externalKey,
		"effective_at": effectiveAt,
	})
	require.NotEmpty(suite.T(), result.id)
	return result.id
}

func (suite *TimelineLifecycleTestSuite) createSubscription(tag, timeZone, effectiveAt string) string {
	accountID := suite.createAccount(tag+"-account", timeZone)
	bundleID := suite.createBundle(accountID, tag+"-bundle")
	return suite.createSubscriptionInBundle(bundleID, tag+"-sub", effectiveAt)
}

func (suite *TimelineLifecycleTestSuite) bundleTimeline(bundleID string) timelinePayload {
	resp, err := suite.client.Get(suite.server.URL + "/v1/bundles/" + bundleID + "/timeline")
	require.NoError(suite.T(), err)
	defer resp.Body.Close()
	require.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	var payload timelinePayload
	require.NoError(suite.T(), json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func (suite *TimelineLifecycleTestSuite) subscriptionTimeline(subscriptionID string) []timelineEvent {
	resp, err := suite.client.Get(suite.server.URL + "/v1/subscriptions/" + subscriptionID + "/timeline")
	require.NoError(suite.T(), err)
	defer resp.Body.Close()
	require.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	var payload struct {
		SubscriptionID string          `json:"subscription_id"`
		Events         []timelineEvent `json:"events"`
	}
	require.NoError(suite.T(), json.NewDecoder(resp.Body).Decode(&payload))
	return payload.Events
}

func TestTimelineLifecycle(t *testing.T) {
	suite.Run(t, new(TimelineLifecycleTestSuite))
}

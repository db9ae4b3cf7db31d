package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"subscribe-service/internal/catalog"
	"subscribe-service/internal/digest"
	"subscribe-service/internal/handler"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/model"
	"subscribe-service/internal/repository"
	"subscribe-service/internal/service/codes"
	"subscribe-service/internal/service/notify"
	"subscribe-service/internal/service/subscribe"
	"subscribe-service/pkg/outbox"
	"subscribe-service/pkg/util"
)

const jwtSecret = "test-secret"

type fakeReplayer struct {
	replayed []int64
}

func (f *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	if id == 404 {
		return outbox.ErrEventNotFound
	}
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeReplayer) ReplayFailedEvents(_ context.Context, limit int) (int, error) {
	return 3, nil
}

type fakeRunner struct{}

func (fakeRunner) RunOnce(context.Context) (notify.RunResult, error) {
	return notify.RunResult{Tiers: []notify.TierResult{{Frequency: model.FrequencyImmediate, Due: true, Sent: 2}}}, nil
}

type RouterSuite struct {
	suite.Suite
	ctx      context.Context
	store    *repository.MemoryStore
	catalog  *catalog.Memory
	mailer   *mailer.RecordingMailer
	issuer   *codes.Issuer
	replayer *fakeReplayer
	router   *Router
}

func TestRouterSuite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repository.NewMemoryStore()
	tick := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.store.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	s.mailer = mailer.NewRecordingMailer()
	s.replayer = &fakeReplayer{}

	s.catalog = catalog.NewMemory()
	s.catalog.AddObject(model.CatalogObject{ID: "ds-1", Name: "stream", Title: "Stream", Type: model.ObjectDataset})
	s.catalog.AddObject(model.CatalogObject{ID: "grp-1", Name: "transport", Title: "Transport", Type: model.ObjectGroup})

	site := digest.Site{URL: "http://catalog.example.com", Title: "Example Catalog"}
	s.issuer = codes.NewIssuer(s.store, s.store, zap.NewNop())
	svc := subscribe.NewService(s.store, s.store, s.catalog, s.issuer, s.mailer, site, zap.NewNop())

	s.router = NewRouter(
		handler.NewSubscribeHandler(svc, site, zap.NewNop()),
		handler.NewAdminHandler(svc, s.replayer, fakeRunner{}, zap.NewNop()),
		svc,
		jwtSecret,
		nil,
		zap.NewNop(),
	)
}

func (s *RouterSuite) do(method, target string, form url.Values, token string) (*httptest.ResponseRecorder, map[string]any) {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.Engine.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (s *RouterSuite) token(claims util.ActorClaims) string {
	token, err := util.GenerateJWT(claims, jwtSecret, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *RouterSuite) verified(email string, target model.Target) *model.Subscription {
	sub, _, err := s.store.Upsert(s.ctx, email, target, model.FrequencyWeekly)
	s.Require().NoError(err)
	sub, err = s.store.MarkVerified(s.ctx, sub.ID)
	s.Require().NoError(err)
	return sub
}

func (s *RouterSuite) loginCode(email string) string {
	code, err := s.issuer.IssueLoginCode(s.ctx, email)
	s.Require().NoError(err)
	return code
}

func (s *RouterSuite) TestHealth() {
	w, body := s.do(http.MethodGet, "/healthz", nil, "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ok", body["status"])

	w, _ = s.do(http.MethodGet, "/readyz", nil, "")
	s.Equal(http.StatusOK, w.Code)
	s.NotEmpty(w.Header().Get("X-Trace-ID"))
}

func (s *RouterSuite) TestSignupVerifyManageFlow() {
	w, body := s.do(http.MethodPost, "/subscribe/signup",
		url.Values{"email": {"Bob@Example.com"}, "dataset": {"stream"}}, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Contains(body["message"], "Subscription requested")
	s.Equal("dataset", body["object"].(map[string]any)["type"])

	sent := s.mailer.Sent()
	s.Require().Len(sent, 1)
	s.Equal(mailer.KindVerification, sent[0].Kind)

	sub, err := s.store.Find(s.ctx, "bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})
	s.Require().NoError(err)
	s.False(sub.Verified)

	w, body = s.do(http.MethodGet, "/subscribe/verify?code="+url.QueryEscape(sub.VerificationCode), nil, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("Subscription confirmed", body["message"])
	loginCode := body["code"].(string)
	s.Contains(body["manage_url"], "/subscribe/manage?code=")

	w, body = s.do(http.MethodGet, "/subscribe/manage?code="+url.QueryEscape(loginCode), nil, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("bob@example.com", body["email"])
	subs := body["subscriptions"].([]any)
	s.Require().Len(subs, 1)
	s.Equal("stream", subs[0].(map[string]any)["object_name"])
}

func (s *RouterSuite) TestSignupValidation() {
	w, body := s.do(http.MethodPost, "/subscribe/signup", url.Values{"dataset": {"stream"}}, "")
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("No email address supplied", body["error"])

	w, body = s.do(http.MethodPost, "/subscribe/signup", url.Values{"email": {"bob@example.com"}, "dataset": {"nope"}}, "")
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("Dataset not found", body["error"])
}

func (s *RouterSuite) TestSkipVerificationNeedsSysadmin() {
	form := url.Values{"email": {"bob@example.com"}, "group": {"transport"}, "skip_verification": {"true"}}

	w, _ := s.do(http.MethodPost, "/subscribe/signup", form, s.token(util.ActorClaims{Name: "bob"}))
	s.Equal(http.StatusForbidden, w.Code)

	w, body := s.do(http.MethodPost, "/subscribe/signup", form, s.token(util.ActorClaims{Name: "admin", Sysadmin: true}))
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("Subscription confirmed", body["message"])
	s.Empty(s.mailer.Sent())
}

func (s *RouterSuite) TestInvalidTokenRejected() {
	w, _ := s.do(http.MethodPost, "/subscribe/signup", url.Values{"email": {"bob@example.com"}}, "not-a-jwt")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *RouterSuite) TestManageNeedsCode() {
	w, body := s.do(http.MethodGet, "/subscribe/manage", nil, "")
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("No code supplied", body["error"])
	s.Equal(handler.RequestCodePath, body["request_code_url"])

	w, body = s.do(http.MethodGet, "/subscribe/manage?code=bad-code", nil, "")
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("Code is invalid", body["error"])
}

func (s *RouterSuite) TestUpdate() {
	sub := s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})

	w, body := s.do(http.MethodPost, "/subscribe/update?code="+s.loginCode("bob@example.com"),
		url.Values{"id": {sub.ID}, "frequency": {"daily"}}, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("DAILY", body["subscription"].(map[string]any)["frequency"])

	w, _ = s.do(http.MethodPost, "/subscribe/update?code="+s.loginCode("someone_else@example.com"),
		url.Values{"id": {sub.ID}, "frequency": {"weekly"}}, "")
	s.Equal(http.StatusForbidden, w.Code)

	w, body = s.do(http.MethodPost, "/subscribe/update?code="+s.loginCode("bob@example.com"),
		url.Values{"id": {sub.ID}, "frequency": {"hourly"}}, "")
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("frequency", body["field"])
}

func (s *RouterSuite) TestUnsubscribe() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectGroup, ID: "grp-1"})
	code := s.loginCode("bob@example.com")

	w, body := s.do(http.MethodGet, "/subscribe/unsubscribe?code="+code+"&group=grp-1", nil, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("You are no longer subscribed to this group", body["message"])
	s.Equal("transport", body["object_name"])

	w, body = s.do(http.MethodGet, "/subscribe/unsubscribe?code="+code+"&group=grp-1", nil, "")
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("That user is not subscribed to that object", body["error"])
}

func (s *RouterSuite) TestUnsubscribeAll() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectGroup, ID: "grp-1"})
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})

	w, body := s.do(http.MethodPost, "/subscribe/unsubscribe-all", url.Values{"code": {s.loginCode("bob@example.com")}}, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("You are no longer subscribed to notifications from Example Catalog", body["message"])
	s.EqualValues(2, body["unsubscribed"])
}

func (s *RouterSuite) TestRequestManageCode() {
	w, _ := s.do(http.MethodGet, "/subscribe/request_manage_code", nil, "")
	s.Equal(http.StatusOK, w.Code)

	w, body := s.do(http.MethodPost, "/subscribe/request_manage_code", url.Values{"email": {"bob@example.com"}}, "")
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("That email address does not have any subscriptions", body["error"])

	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})
	w, body = s.do(http.MethodPost, "/subscribe/request_manage_code", url.Values{"email": {"bob@example.com"}}, "")
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("An access link has been emailed to: bob@example.com", body["message"])

	sent := s.mailer.Sent()
	s.Require().Len(sent, 1)
	s.Equal(mailer.KindManageCode, sent[0].Kind)
}

func (s *RouterSuite) TestMailerFailureIsRetryable() {
	s.mailer.FailWith("", errors.New("smtp down"))

	w, body := s.do(http.MethodPost, "/subscribe/signup", url.Values{"email": {"bob@example.com"}, "dataset": {"ds-1"}}, "")
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("mailer_failure", body["code"])
	s.NotEmpty(w.Header().Get("Retry-After"))

	_, err := s.store.Find(s.ctx, "bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})
	s.Error(err)
}

func (s *RouterSuite) TestAdminRoutes() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"})
	adminToken := s.token(util.ActorClaims{Name: "admin", Sysadmin: true})

	w, _ := s.do(http.MethodGet, "/admin/subscriptions?email=bob@example.com", nil, "")
	s.Equal(http.StatusUnauthorized, w.Code)

	w, _ = s.do(http.MethodGet, "/admin/subscriptions?email=bob@example.com", nil, s.token(util.ActorClaims{Name: "bob"}))
	s.Equal(http.StatusForbidden, w.Code)

	w, body := s.do(http.MethodGet, "/admin/subscriptions?email=bob@example.com", nil, adminToken)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Len(body["subscriptions"], 1)

	w, body = s.do(http.MethodPost, "/admin/notifications/run", nil, adminToken)
	s.Require().Equal(http.StatusOK, w.Code)
	s.EqualValues(2, body["sent"])

	w, _ = s.do(http.MethodPost, "/admin/outbox/replay?id=7", nil, adminToken)
	s.Equal(http.StatusOK, w.Code)
	s.Equal([]int64{7}, s.replayer.replayed)

	w, _ = s.do(http.MethodPost, "/admin/outbox/replay?id=404", nil, adminToken)
	s.Equal(http.StatusNotFound, w.Code)

	w, body = s.do(http.MethodPost, "/admin/outbox/replay-failed", nil, adminToken)
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(3, body["success_count"])
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/costgate"
	creditdomain "github.com/doodleops/platform/internal/credit/domain"
	creditrepository "github.com/doodleops/platform/internal/credit/repository"
	creditservice "github.com/doodleops/platform/internal/credit/service"
	recdomain "github.com/doodleops/platform/internal/reconciler/domain"
	recrepository "github.com/doodleops/platform/internal/reconciler/repository"
	recservice "github.com/doodleops/platform/internal/reconciler/service"
	"github.com/doodleops/platform/internal/reconciler/stripe"
	subdomain "github.com/doodleops/platform/internal/subscription/domain"
	subrepository "github.com/doodleops/platform/internal/subscription/repository"
	subservice "github.com/doodleops/platform/internal/subscription/service"
	tierdomain "github.com/doodleops/platform/internal/tier/domain"
	tierservice "github.com/doodleops/platform/internal/tier/service"
	usagedomain "github.com/doodleops/platform/internal/usage/domain"
	usagerepository "github.com/doodleops/platform/internal/usage/repository"
	"github.com/doodleops/platform/pkg/kv"
)

const testSecret = "whsec_server_test"

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, tool string, input []byte) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"tool":%q}`, tool)), nil
}

type serverFixture struct {
	srv     *Server
	engine  *gin.Engine
	adapter *stripe.Adapter
	credits *creditservice.Service
	clock   *clock.FakeClock
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&creditdomain.CreditLot{},
		&subdomain.SubscriptionItem{},
		&subdomain.Customer{},
		&recdomain.StripeEvent{},
		&recdomain.WebhookTask{},
		&recdomain.Invoice{},
		&recdomain.PaymentIntent{},
		&usagedomain.APICounter{},
		&tierdomain.PriceTier{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC))
	pricing := config.NewStaticPricingHolder(config.DefaultPricingConfig())
	log := zap.NewNop()
	cfg := config.Config{
		HTTPAddr:      ":0",
		CallLockTTL:   30 * time.Second,
		UsageEntryTTL: 90 * 24 * time.Hour,
	}

	creditRepo := creditrepository.New(creditrepository.Params{DB: db, KV: store, Log: log, GenID: node})
	credits := creditservice.New(creditservice.Params{Repo: creditRepo, Log: log, Pricing: pricing, Clock: fake})

	subs := subrepository.New(subrepository.Params{DB: db, Log: log, GenID: node})
	subFlags := subservice.New(subservice.Params{KV: store, Log: log, Pricing: pricing})

	usageRepo := usagerepository.New(usagerepository.Params{DB: db, KV: store, Log: log, GenID: node, Cfg: cfg})
	tiers := tierservice.New(tierservice.Params{DB: db, Usage: usageRepo, Log: log, Clock: fake})

	adapter, err := stripe.NewAdapter(testSecret)
	require.NoError(t, err)
	recRepo := recrepository.New(recrepository.Params{DB: db, Log: log, GenID: node})
	reconciler := recservice.New(recservice.Params{
		Adapter:  adapter,
		Repo:     recRepo,
		Subs:     subs,
		SubFlags: subFlags,
		Credits:  credits,
		Tiers:    tiers,
		Pricing:  pricing,
		Clock:    fake,
		Log:      log,
	})

	guard := costgate.New(costgate.Params{
		KV: store, Credits: credits, Usage: usageRepo,
		Pricing: pricing, Cfg: cfg, Clock: fake, Log: log,
	})

	engine := NewEngine(log, nil)
	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Guard:      guard,
		Credits:    credits,
		Reconciler: reconciler,
		Pricing:    pricing,
		Log:        log,
		Tools:      echoRunner{},
	})

	return &serverFixture{srv: srv, engine: engine, adapter: adapter, credits: credits, clock: fake}
}

func (f *serverFixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestAdminCreditLifecycle(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/admin/users/42/credits",
		[]byte(`{"amount_minor_units": 4000, "source": "support"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var granted struct {
		Credits int64 `json:"credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &granted))
	// Manual grants convert at the flat ratio, not the purchase bands.
	assert.Equal(t, int64(4000), granted.Credits)

	rec = f.do(http.MethodGet, "/admin/users/42/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance": 4000}`, rec.Body.String())

	rec = f.do(http.MethodDelete, "/admin/users/42/credits",
		[]byte(`{"amount": 1500, "source": "lots"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/users/42/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance": 2500}`, rec.Body.String())
}

func TestRemoveCreditsBeyondBalanceFailsLoudly(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodDelete, "/admin/users/42/credits",
		[]byte(`{"amount": 10, "source": "lots"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/users/42/credits",
		[]byte(`{"amount": 10, "source": "nonsense"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBilledToolChargesAndResponds(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	_, err := f.credits.AddOneTimeCredits(ctx, 7, 100, "test", true)
	require.NoError(t, err)

	headers := map[string]string{"X-User-ID": "7"}
	rec := f.do(http.MethodPost, "/v1/tools/doc.convert", []byte(`{}`), headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tool": "doc.convert"}`, rec.Body.String())

	balance, err := f.credits.TotalBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(98), balance)
}

func TestBilledToolRequiresIdentity(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/v1/tools/doc.convert", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBilledToolRejectsEmptyBalance(t *testing.T) {
	f := newServerFixture(t)

	headers := map[string]string{"X-User-ID": "9"}
	rec := f.do(http.MethodPost, "/v1/tools/doc.convert", []byte(`{}`), headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient credits")
}

func TestStripeWebhookSignatureGate(t *testing.T) {
	f := newServerFixture(t)

	payload := []byte(`{
		"id": "evt_hook_1",
		"type": "customer.created",
		"created": 1712044800,
		"data": {"object": {"id": "cus_hook", "email": "a@b.c", "metadata": {"user_id": "11"}}}
	}`)

	rec := f.do(http.MethodPost, "/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": "t=1,v1=bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	signed := f.adapter.Sign(payload, f.clock.Now())
	rec = f.do(http.MethodPost, "/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": signed})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received": true}`, rec.Body.String())
}

func TestUserIDParamValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/admin/users/abc/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/admin/users/"+strconv.Itoa(0)+"/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

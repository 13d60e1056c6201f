package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "middleware-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signed(t *testing.T, claims jwt.MapClaims, key string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func authRouter() *gin.Engine {
	r := gin.New()
	r.GET("/who", AuthMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetUint("user_id"),
			"email":   c.GetString("email"),
			"role":    c.GetString("role"),
		})
	})
	r.GET("/admin", AuthMiddleware(secret), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareSetsClaims(t *testing.T) {
	tok := signed(t, jwt.MapClaims{
		"user_id": 42,
		"email":   "artist@example.com",
		"role":    "user",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}, secret)

	w := get(authRouter(), "/who", "Bearer "+tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 42, body["user_id"])
	assert.Equal(t, "artist@example.com", body["email"])
	assert.Equal(t, "user", body["role"])
}

func TestAuthMiddlewareRejects(t *testing.T) {
	live := time.Now().Add(time.Hour).Unix()
	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not.a.token",
		"wrong key":      "Bearer " + signed(t, jwt.MapClaims{"user_id": 1, "exp": live}, "other"),
		"expired":        "Bearer " + signed(t, jwt.MapClaims{"user_id": 1, "exp": time.Now().Add(-time.Hour).Unix()}, secret),
		"no user":        "Bearer " + signed(t, jwt.MapClaims{"email": "x@example.com", "exp": live}, secret),
		"zero user":      "Bearer " + signed(t, jwt.MapClaims{"user_id": 0, "exp": live}, secret),
	}
	r := authRouter()
	for name, header := range cases {
		w := get(r, "/who", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestAuthMiddlewareWithoutSecret(t *testing.T) {
	r := gin.New()
	r.GET("/who", AuthMiddleware(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(r, "/who", "Bearer anything")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequireRole(t *testing.T) {
	live := time.Now().Add(time.Hour).Unix()
	r := authRouter()

	admin := signed(t, jwt.MapClaims{"user_id": 1, "role": "admin", "exp": live}, secret)
	assert.Equal(t, http.StatusNoContent, get(r, "/admin", "Bearer "+admin).Code)

	user := signed(t, jwt.MapClaims{"user_id": 2, "role": "user", "exp": live}, secret)
	assert.Equal(t, http.StatusForbidden, get(r, "/admin", "Bearer "+user).Code)

	roleless := signed(t, jwt.MapClaims{"user_id": 3, "exp": live}, secret)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/admin", "Bearer "+roleless).Code)
}

func echoRouter() *gin.Engine {
	r := gin.New()
	r.POST("/echo", SanitizeAndCleanInputMiddleware(), func(c *gin.Context) {
		raw, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, "application/json", raw)
	})
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSanitizeStripsNestedMarkup(t *testing.T) {
	w := post(echoRouter(), "/echo",
		`{"note":"<script>alert(1)</script>refund","meta":{"tag":"<b>vip</b>"},"list":["<i>a</i>",3]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "refund", body["note"])
	assert.Equal(t, "vip", body["meta"].(map[string]any)["tag"])
	assert.Equal(t, []any{"a", float64(3)}, body["list"])
}

func TestSanitizeKeepsLargeIntegers(t *testing.T) {
	w := post(echoRouter(), "/echo", `{"delta":9007199254740993}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"delta":9007199254740993}`, w.Body.String())
	assert.Contains(t, w.Body.String(), "9007199254740993")
}

func TestSanitizeBodyEdgeCases(t *testing.T) {
	r := echoRouter()

	w := post(r, "/echo", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = post(r, "/echo", `{"broken":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireActiveSubscription(t *testing.T) {
	db := testutil.NewDB(t, &plans.Plan{}, &plans.Package{}, &ledger.Balance{}, &ledger.Entry{}, &subscriptions.Subscription{})
	ctx := context.Background()
	catalog := plans.NewCatalog(db)
	require.NoError(t, catalog.EnsureDefaults(ctx, 60))
	basic, err := catalog.PlanBySlug(ctx, "basic-monthly")
	require.NoError(t, err)

	now := time.Now()
	_, err = subscriptions.ActivateTx(db, subscriptions.ActivateInput{UserID: 1, Plan: basic, Reference: "cs_live"}, now)
	require.NoError(t, err)
	_, err = subscriptions.ActivateTx(db, subscriptions.ActivateInput{UserID: 2, Plan: basic, Reference: "cs_old"}, now.AddDate(0, -3, 0))
	require.NoError(t, err)

	machine := subscriptions.NewMachine(db, nil)
	r := gin.New()
	r.GET("/gated", func(c *gin.Context) {
		if id := c.Query("user"); id != "" {
			c.Set("user_id", map[string]uint{"1": 1, "2": 2, "3": 3}[id])
		}
		c.Next()
	}, RequireActiveSubscription(machine), func(c *gin.Context) {
		_, ok := c.Get("subscription")
		assert.True(t, ok)
		c.Status(http.StatusNoContent)
	})

	assert.Equal(t, http.StatusNoContent, get(r, "/gated?user=1", "").Code)
	assert.Equal(t, http.StatusPaymentRequired, get(r, "/gated?user=2", "").Code)
	assert.Equal(t, http.StatusForbidden, get(r, "/gated?user=3", "").Code)
}

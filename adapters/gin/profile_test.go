package authgin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/gateway"
	memorystore "github.com/open-rails/fedlink/storage/memory"
	fltest "github.com/open-rails/fedlink/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type profileBody struct {
	Message     string         `json:"message"`
	User        map[string]any `json:"user"`
	IDToken     string         `json:"idToken"`
	CustomToken string         `json:"customToken"`
	Error       string         `json:"error"`
}

func doProfile(t *testing.T, h http.Handler, authorization string) (int, profileBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body profileBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

func newEngine(t *testing.T, a core.Authority) (*gin.Engine, *gateway.Service) {
	t.Helper()
	gw := gateway.New(a).WithMetrics(gateway.NewMetrics(prometheus.NewRegistry()))
	return NewService(gw).Engine(), gw
}

func TestProfile_ValidToken(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	r, _ := newEngine(t, ti.Authority(context.Background()))

	tok := ti.CreateToken("U123", "alice@example.com")
	code, body := doProfile(t, r, "Bearer "+tok)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Welcome!", body.Message)
	require.Equal(t, "U123", body.User["uid"])
	require.Equal(t, "alice@example.com", body.User["email"])
	require.Equal(t, tok, body.IDToken)
	require.NotEmpty(t, body.CustomToken)

	// The custom token names the verified uid and targets the toolkit.
	parsed, _, err := jwt.NewParser().ParseUnverified(body.CustomToken, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, "U123", claims["uid"])
	require.Equal(t, authority.CustomTokenAudience, claims["aud"])
}

func TestProfile_Rejections(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	r, _ := newEngine(t, ti.Authority(context.Background()))

	other := fltest.NewTestIssuerWithAudience("another-project")
	defer other.Close()

	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", "No token provided"},
		{"not_bearer", "Basic dXNlcjpwYXNz", "No token provided"},
		{"bearer_without_token", "Bearer ", "No token provided"},
		{"garbage", "Bearer garbage", "Invalid token"},
		{"expired", "Bearer " + ti.CreateExpiredToken("U123", "alice@example.com"), "Invalid token"},
		{"foreign_issuer", "Bearer " + other.CreateToken("U123", "alice@example.com"), "Invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := doProfile(t, r, tc.header)
			require.Equal(t, http.StatusUnauthorized, code)
			require.Equal(t, tc.want, body.Message)
			require.Empty(t, body.Error)
			require.Empty(t, body.CustomToken)
		})
	}
}

// mintFails verifies normally but cannot mint custom tokens.
type mintFails struct{ core.Authority }

func (mintFails) CreateCustomToken(context.Context, string) (string, error) {
	return "", errors.New("service account disabled")
}

func TestProfile_MintFailure(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	r, _ := newEngine(t, mintFails{ti.Authority(context.Background())})

	code, body := doProfile(t, r, "Bearer "+ti.CreateToken("U123", "alice@example.com"))
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "Server error", body.Message)
	require.Contains(t, body.Error, "service account disabled")
	require.Empty(t, body.CustomToken)
}

func TestProfile_RevokedToken(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	ctx := context.Background()

	revocations := core.NewRevocationStore(memorystore.NewKV(), time.Hour)
	v, err := authority.NewVerifier(ctx, ti.AcceptConfig())
	require.NoError(t, err)
	v.WithRevocations(revocations)
	r, _ := newEngine(t, authority.New(v, authority.NewMinter("svc@fedlink-test.iam.gserviceaccount.com", ti.Keys())))

	tok, err := ti.Issuer().Issue(authority.IDTokenRequest{UID: "U123", AuthTime: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	code, _ := doProfile(t, r, "Bearer "+tok)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, revocations.RevokeTokens(ctx, "U123"))
	code, body := doProfile(t, r, "Bearer "+tok)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "Invalid token", body.Message)
}

func TestEngine_DevRoutes(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	gw := gateway.New(ti.Authority(context.Background()))
	reg := prometheus.NewRegistry()
	gw.WithMetrics(gateway.NewMetrics(reg))
	r := NewService(gw).
		WithJWKS(ti.Keys()).
		WithDevMint(ti.Issuer(), "dev-secret").
		WithMetrics(reg).
		Engine()

	mint := func(secret string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/dev/mint", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set("X-DEV-SECRET", secret)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("wrong_secret", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, mint("nope", `{"uid":"U1"}`).Code)
		require.Equal(t, http.StatusUnauthorized, mint("", `{"uid":"U1"}`).Code)
	})

	t.Run("missing_uid", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, mint("dev-secret", `{"email":"a@example.com"}`).Code)
	})

	t.Run("minted_token_passes_profile", func(t *testing.T) {
		w := mint("dev-secret", `{"uid":"U1","email":"bob@example.com","provider":"github.com"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out mintResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		require.Equal(t, "Bearer", out.TokenType)

		code, body := doProfile(t, r, "Bearer "+out.IDToken)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "U1", body.User["uid"])
		fb, _ := body.User["firebase"].(map[string]any)
		require.Equal(t, "github.com", fb["sign_in_provider"])
	})

	t.Run("jwks", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var set struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
		require.Len(t, set.Keys, 1)
		require.Equal(t, ti.Keys().Active().ID, set.Keys[0]["kid"])
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.True(t, strings.Contains(w.Body.String(), "fedlink_gateway_verifications_total"))
	})

	t.Run("healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequired_ExposesClaimsDownstream(t *testing.T) {
	ti := fltest.NewTestIssuer()
	defer ti.Close()
	gw := gateway.New(ti.Authority(context.Background()))

	r := gin.New()
	r.GET("/whoami", Required(gw), func(c *gin.Context) {
		cl, err := GetClaims(c)
		require.NoError(t, err)
		uid, ok := UserID(c)
		require.True(t, ok)
		fromReq, ok := FromContext(c.Request.Context())
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"uid": uid, "email": cl.Email, "same": fromReq.UserID == uid})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+ti.CreateToken("U123", "alice@example.com"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"uid":"U123","email":"alice@example.com","same":true}`, w.Body.String())
}

func TestGetClaims_Unauthenticated(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := GetClaims(c)
	require.Error(t, err)
	_, ok := UserID(c)
	require.False(t, ok)
}

package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ecoswap/ecoswap-api/internal/auth"
	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/config"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/testutil"
	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
)

type fixture struct {
	svc      *Service
	tokens   *auth.Service
	clock    *clock.Fake
	notifier *testutil.RecordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	tokens := auth.NewService(config.JWTConfig{
		Secret:     "users-secret",
		AccessTTL:  24 * time.Hour,
		RefreshTTL: 48 * time.Hour,
	}, clk)
	rec := &testutil.RecordingNotifier{}
	return &fixture{
		svc:      NewService(db, tokens, rec, clk),
		tokens:   tokens,
		clock:    clk,
		notifier: rec,
	}
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		Name:     "Alice",
		Email:    "Alice@Test.com",
		Phone:    "3001112233",
		Password: "Secret123",
		Address:  "Street 1",
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Email != "alice@test.com" {
		t.Fatalf("email not normalised: %q", user.Email)
	}
	if user.Password == "Secret123" {
		t.Fatalf("password stored in clear text")
	}

	session, err := f.svc.Login(ctx, "ALICE@test.com", "Secret123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", session.TokenPair)
	}

	stored, err := f.svc.GetUserByEmail(ctx, "alice@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Token != session.AccessToken {
		t.Fatalf("access token not stored on the user")
	}

	if _, err := f.svc.Login(ctx, "alice@test.com", "Wrong1234"); !types.IsKind(err, types.KindUnauthenticated) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := f.svc.Login(ctx, "nobody@test.com", "Secret123"); !types.IsKind(err, types.KindUnauthenticated) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestRegisterRejectsDuplicatesAndWeakPasswords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegistration()); err != nil {
		t.Fatal(err)
	}

	dupEmail := validRegistration()
	dupEmail.Phone = "3009999999"
	if _, err := f.svc.Register(ctx, dupEmail); err != ErrEmailTaken {
		t.Fatalf("duplicate email err = %v", err)
	}

	dupPhone := validRegistration()
	dupPhone.Email = "other@test.com"
	if _, err := f.svc.Register(ctx, dupPhone); err != ErrPhoneTaken {
		t.Fatalf("duplicate phone err = %v", err)
	}

	weak := validRegistration()
	weak.Email = "weak@test.com"
	weak.Phone = "3008888888"
	weak.Password = "password"
	if _, err := f.svc.Register(ctx, weak); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("weak password err = %v", err)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegistration()); err != nil {
		t.Fatal(err)
	}
	first, err := f.svc.Login(ctx, "alice@test.com", "Secret123")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Second)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh should rotate the token")
	}
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); err != ErrInvalidRefresh {
		t.Fatalf("reused refresh token err = %v", err)
	}
	if _, err := f.svc.Refresh(ctx, second.AccessToken); err != ErrInvalidRefresh {
		t.Fatalf("access token used as refresh err = %v", err)
	}

	if err := f.svc.Logout(ctx, second.User); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken); err != ErrInvalidRefresh {
		t.Fatalf("refresh after logout err = %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.Register(ctx, validRegistration())
	if err != nil {
		t.Fatal(err)
	}
	bobReq := validRegistration()
	bobReq.Email, bobReq.Phone = "bob@test.com", "3005550000"
	if _, err := f.svc.Register(ctx, bobReq); err != nil {
		t.Fatal(err)
	}

	name := "Alice B."
	updated, err := f.svc.UpdateProfile(ctx, alice, UpdateProfileRequest{Name: &name})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if updated.Name != name || updated.Phone != "3001112233" {
		t.Fatalf("updated = %+v", updated)
	}

	taken := "3005550000"
	if _, err := f.svc.UpdateProfile(ctx, alice, UpdateProfileRequest{Phone: &taken}); err != ErrPhoneTaken {
		t.Fatalf("taken phone err = %v", err)
	}
	own := "3001112233"
	if _, err := f.svc.UpdateProfile(ctx, alice, UpdateProfileRequest{Phone: &own}); err != nil {
		t.Fatalf("own phone err = %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegistration()); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendResetCode(ctx, "alice@test.com"); err != nil {
		t.Fatalf("SendResetCode() error = %v", err)
	}

	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != notify.KindResetCode || sent[0].Recipient != "alice@test.com" {
		t.Fatalf("sent = %+v", sent)
	}
	code := sent[0].Payload[notify.KeyResetCode]
	if len(code) != 6 {
		t.Fatalf("code = %q", code)
	}

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if err := f.svc.ResetPassword(ctx, "alice@test.com", wrong, "NewSecret1"); err != ErrInvalidResetCode {
		t.Fatalf("wrong code err = %v", err)
	}

	if err := f.svc.ResetPassword(ctx, "alice@test.com", code, "NewSecret1"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice@test.com", "NewSecret1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if err := f.svc.ResetPassword(ctx, "alice@test.com", code, "Another1x"); err != ErrInvalidResetCode {
		t.Fatalf("reused code err = %v", err)
	}
}

func TestPasswordResetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegistration()); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendResetCode(ctx, "alice@test.com"); err != nil {
		t.Fatal(err)
	}
	code := f.notifier.Sent()[0].Payload[notify.KeyResetCode]

	f.clock.Advance(ResetCodeTTL + time.Minute)
	if err := f.svc.ResetPassword(ctx, "alice@test.com", code, "NewSecret1"); err != ErrResetCodeExpired {
		t.Fatalf("expired code err = %v", err)
	}
}

func TestSendResetCodeSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = notify.ErrNotConfigured
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegistration()); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendResetCode(ctx, "alice@test.com"); err != nil {
		t.Fatalf("notifier failure should not fail the request: %v", err)
	}
	if err := f.svc.SendResetCode(ctx, "ghost@test.com"); err != ErrUserNotFound {
		t.Fatalf("unknown email err = %v", err)
	}
}

func TestHandlersEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	NewGinHandlers(f.svc).RegisterRoutes(r.Group("/api/v1/users"), middleware.JWTAuth(f.tokens, f.svc))

	do := func(method, path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/v1/users/register",
		`{"name":"Alice","email":"alice@test.com","phone":"3001112233","password":"Secret123","address":"Street 1"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("password hash leaked: %s", w.Body.String())
	}

	w = do(http.MethodPost, "/api/v1/users/login", `{"email":"alice@test.com","password":"Secret123"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d body = %s", w.Code, w.Body.String())
	}
	var login struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatal(err)
	}

	if w = do(http.MethodGet, "/api/v1/users/profile", "", login.Data.AccessToken); w.Code != http.StatusOK {
		t.Fatalf("profile: status = %d", w.Code)
	}
	if w = do(http.MethodGet, "/api/v1/users/by-email?email=alice@test.com", "", login.Data.AccessToken); w.Code != http.StatusOK {
		t.Fatalf("by-email: status = %d", w.Code)
	}
	if w = do(http.MethodPost, "/api/v1/users/logout", "", login.Data.AccessToken); w.Code != http.StatusOK {
		t.Fatalf("logout: status = %d", w.Code)
	}
	if w = do(http.MethodGet, "/api/v1/users/profile", "", login.Data.AccessToken); w.Code != http.StatusUnauthorized {
		t.Fatalf("profile after logout: status = %d", w.Code)
	}

	if w = do(http.MethodPost, "/api/v1/users/register", `{"name":"x"}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad register: status = %d", w.Code)
	}
}

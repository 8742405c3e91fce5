package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"formflip/analytics"
	"formflip/forms"
	"formflip/models"
	"formflip/repository"
	"formflip/signal"
)

func init() {
	passwordCost = bcrypt.MinCost
}

type testEnv struct {
	db        *gorm.DB
	svc       *forms.Service
	analytics *analytics.Module
	broker    *signal.LocalBroker
	router    *gin.Engine
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("PRAGMA foreign_keys = ON").Error)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Form{},
		&models.FormField{},
		&models.FormSubmission{},
		&models.FormSubmissionValue{},
	))
	return db
}

func setupTestEnv(t *testing.T) *testEnv {
	db := setupTestDB(t)
	logger := zap.NewNop()
	analyticsModule := analytics.NewModule(db, logger)
	broker := signal.NewLocalBroker()
	svc := forms.NewService(repository.NewGormRepository(db), logger,
		forms.WithListener(analyticsModule),
		forms.WithListener(signal.NewListener(broker, logger)),
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	store := cookie.NewStore([]byte("secret"))
	router.Use(sessions.Sessions("test-session", store))
	NewModule(db, svc, analyticsModule, broker, logger).RegisterRoutes(router)

	return &testEnv{db: db, svc: svc, analytics: analyticsModule, broker: broker, router: router}
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == "test-session" {
			return c
		}
	}
	return nil
}

func (env *testEnv) do(method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// register creates an account through the API and returns its session cookie.
func (env *testEnv) register(t *testing.T, email string) (*http.Cookie, models.User) {
	w := env.do("POST", "/register", gin.H{"name": "Test", "email": email, "password": "password123"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var user models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	return cookie, user
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRequireAuthRedirects(t *testing.T) {
	env := setupTestEnv(t)

	for _, path := range []string{"/api/forms", "/api/forms/1", "/api/me"} {
		w := env.do("GET", path, nil, nil)
		assert.Equal(t, http.StatusFound, w.Code, path)
		assert.Equal(t, "/login", w.Header().Get("Location"), path)
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	env := setupTestEnv(t)

	cookie, user := env.register(t, "Owner@Example.com ")
	assert.Equal(t, "owner@example.com", user.Email)
	assert.NotContains(t, env.do("GET", "/api/me", nil, cookie).Body.String(), "password")

	w := env.do("GET", "/api/me", nil, cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, user.ID, decode[models.User](t, w).ID)

	w = env.do("GET", "/logout", nil, cookie)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	cleared := sessionCookie(w)
	require.NotNil(t, cleared)
	assert.Equal(t, http.StatusFound, env.do("GET", "/api/me", nil, cleared).Code)

	w = env.do("POST", "/login", gin.H{"email": "owner@example.com", "password": "password123"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	loggedIn := sessionCookie(w)
	require.NotNil(t, loggedIn)
	assert.Equal(t, http.StatusOK, env.do("GET", "/api/me", nil, loggedIn).Code)

	w = env.do("GET", "/login", nil, loggedIn)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/api/forms", w.Header().Get("Location"))
}

func TestLoginWithFormEncoding(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "form@example.com")

	values := url.Values{"email": {"form@example.com"}, "password": {"password123"}}
	req, _ := http.NewRequest("POST", "/login", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, sessionCookie(w))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "owner@example.com")

	w := env.do("POST", "/login", gin.H{"email": "owner@example.com", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid email or password", decode[map[string]string](t, w)["error"])

	w = env.do("POST", "/login", gin.H{"email": "nobody@example.com", "password": "password123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "taken@example.com")

	tests := []struct {
		name   string
		body   gin.H
		status int
		field  string
	}{
		{"missing name", gin.H{"email": "a@example.com", "password": "password123"}, http.StatusBadRequest, "name"},
		{"bad email", gin.H{"name": "A", "email": "nope", "password": "password123"}, http.StatusBadRequest, "email"},
		{"short password", gin.H{"name": "A", "email": "a@example.com", "password": "short"}, http.StatusBadRequest, "password"},
		{"duplicate email", gin.H{"name": "A", "email": "TAKEN@example.com", "password": "password123"}, http.StatusConflict, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/register", tt.body, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.field, decode[map[string]string](t, w)["field"])
		})
	}

	var count int64
	env.db.Model(&models.User{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("testpassword")
	assert.NoError(t, err)

	assert.True(t, checkPasswordHash("testpassword", hash))
	assert.False(t, checkPasswordHash("wrongpassword", hash))
}

func TestMeWithDeletedAccount(t *testing.T) {
	env := setupTestEnv(t)
	cookie, user := env.register(t, "gone@example.com")

	require.NoError(t, env.db.Delete(&models.User{}, user.ID).Error)
	w := env.do("GET", "/api/me", nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

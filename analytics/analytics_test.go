package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"formflip/models"
)

func setupTestModule(t *testing.T) *Module {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	module := NewModule(db, zap.NewNop())
	require.NotNil(t, module)
	return module
}

func setupTestRouter(module *Module) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/f/:id", func(c *gin.Context) {
		module.TrackView(c, 1)
		module.Wait()
		c.Status(http.StatusOK)
	})
	return router
}

func visit(router *gin.Engine, cookie *http.Cookie) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/f/1", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	router.ServeHTTP(w, req)
	return w
}

func visitorCookieFrom(w *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == visitorCookie {
			return cookie
		}
	}
	return nil
}

func TestTrackViewThrottlesSameVisitor(t *testing.T) {
	module := setupTestModule(t)
	router := setupTestRouter(module)

	w := visit(router, nil)
	cookie := visitorCookieFrom(w)
	require.NotNil(t, cookie)

	visit(router, cookie)
	visit(router, cookie)

	var events []FormEvent
	require.NoError(t, module.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, cookie.Value, events[0].VisitorID)
	assert.Equal(t, EventView, events[0].Event)
	require.NotNil(t, events[0].Browser)
	assert.Equal(t, "Firefox", *events[0].Browser)
	require.NotNil(t, events[0].Language)
	assert.Equal(t, "pt-BR", *events[0].Language)

	// a new visitor counts again
	visit(router, nil)
	var count int64
	module.db.Model(&FormEvent{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestStats(t *testing.T) {
	module := setupTestModule(t)
	ctx := context.Background()

	now := time.Now().UTC()
	events := []FormEvent{
		{FormID: 1, VisitorID: "a", Event: EventView, IP: "1", CreatedAt: now},
		{FormID: 1, VisitorID: "b", Event: EventView, IP: "1", CreatedAt: now},
		{FormID: 1, VisitorID: "c", Event: EventView, IP: "1", CreatedAt: now.AddDate(0, 0, -2)},
		{FormID: 1, VisitorID: "d", Event: EventView, IP: "1", CreatedAt: now.AddDate(0, 0, -30)},
		{FormID: 2, VisitorID: "a", Event: EventView, IP: "1", CreatedAt: now},
	}
	require.NoError(t, module.db.Create(&events).Error)

	module.SubmissionCreated(ctx, &models.Form{ID: 1}, &models.FormSubmission{ID: 1})
	module.Wait()

	stats := module.Stats(ctx, 1, 7)
	assert.Equal(t, int64(4), stats.Views)
	assert.Equal(t, int64(1), stats.Submissions)
	assert.InDelta(t, 0.25, stats.Conversion, 1e-9)

	require.Len(t, stats.Days, 7)
	today := stats.Days[6]
	assert.Equal(t, now.Format("2006-01-02"), today.Date)
	assert.Equal(t, int64(2), today.Views)
	assert.Equal(t, int64(1), today.Submissions)
	assert.Equal(t, int64(1), stats.Days[4].Views)
	assert.Equal(t, int64(0), stats.Days[5].Views)
}

func TestNilModule(t *testing.T) {
	module := NewModule(nil, zap.NewNop())
	assert.Nil(t, module)

	module.SubmissionCreated(context.Background(), &models.Form{ID: 1}, &models.FormSubmission{})
	module.Wait()
	stats := module.Stats(context.Background(), 1, 3)
	assert.Equal(t, int64(0), stats.Views)
	assert.Len(t, stats.Days, 3)
}

func TestBrowser(t *testing.T) {
	cases := map[string]string{
		"Mozilla/5.0 Chrome/120.0 Safari/537.36 Edg/120.0":  "Edge",
		"Mozilla/5.0 Chrome/120.0 Safari/537.36 OPR/105.0":  "Opera",
		"Mozilla/5.0 Chrome/120.0 Safari/537.36":            "Chrome",
		"Mozilla/5.0 (Macintosh) Version/17.0 Safari/605.1": "Safari",
		"Mozilla/5.0 Firefox/120.0":                         "Firefox",
		"curl/8.0":                                          "Other",
	}
	for ua, want := range cases {
		got := browser(ua)
		require.NotNil(t, got, ua)
		assert.Equal(t, want, *got, ua)
	}
	assert.Nil(t, browser(""))
}

func TestLanguage(t *testing.T) {
	assert.Equal(t, "en-US", *language("en-US,en;q=0.9"))
	assert.Equal(t, "fr", *language("fr;q=0.8"))
	assert.Nil(t, language(""))
}

func TestViewTrackerUsesResponseHeader(t *testing.T) {
	module := setupTestModule(t)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/f/:slug", module.ViewTracker("X-Form-Id"), func(c *gin.Context) {
		if c.Param("slug") == "missing" {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("X-Form-Id", "12")
		c.JSON(http.StatusOK, gin.H{})
	})

	request := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		req.Header.Set("Referer", "https://news.example.com/post")
		router.ServeHTTP(w, req)
		module.Wait()
		return w
	}

	w := request("/f/contact?utm_source=newsletter&utm_term=ignored")
	assert.NotNil(t, visitorCookieFrom(w))
	request("/f/missing")

	var events []FormEvent
	require.NoError(t, module.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, uint(12), events[0].FormID)
	assert.Equal(t, "https://news.example.com/post", events[0].Meta["referrer"])
	assert.Equal(t, "newsletter", events[0].Meta["utm_source"])
	assert.NotContains(t, events[0].Meta, "utm_term")
}

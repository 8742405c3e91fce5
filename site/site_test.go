package site

import (
	"net/http"
	"net/http/httptest"
	"strings"
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

func setupTestRouter(t *testing.T) (*gorm.DB, *gin.Engine) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Form{}, &models.ProviderForm{}))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewModule(db, "https://formflip.test/", zap.NewNop()).RegisterRoutes(router)
	return db, router
}

func TestSitemapListsPublishedForms(t *testing.T) {
	db, router := setupTestRouter(t)

	user := &models.User{Name: "U", Email: "u@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.Form{UserID: user.ID, Name: "Old", Slug: "old-aaaaaa", Published: true, UpdatedAt: older}).Error)
	require.NoError(t, db.Create(&models.Form{UserID: user.ID, Name: "Draft", Slug: "draft-bbbbbb"}).Error)
	require.NoError(t, db.Create(&models.ProviderForm{UserID: user.ID, ExternalID: "frm_1", Slug: "remote-cccccc", Published: true, UpdatedAt: newer}).Error)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/sitemap.xml", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xml; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "<loc>https://formflip.test/</loc>")
	assert.Contains(t, body, "<loc>https://formflip.test/f/old-aaaaaa</loc>")
	assert.Contains(t, body, "<lastmod>2024-01-01T00:00:00Z</lastmod>")
	assert.NotContains(t, body, "draft-bbbbbb")
	assert.Less(t, strings.Index(body, "remote-cccccc"), strings.Index(body, "old-aaaaaa"))
}

func TestIndex(t *testing.T) {
	_, router := setupTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"register":"https://formflip.test/register"`)
}

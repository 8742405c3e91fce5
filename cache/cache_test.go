package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupTestRouter(store *Store, calls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/f/:slug", store.Middleware("slug"), func(c *gin.Context) {
		*calls++
		if c.Param("slug") == "missing" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Form not found"})
			return
		}
		c.Header("X-Form-Id", "7")
		c.SetCookie("visitor", "abc", 60, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"slug": c.Param("slug"), "calls": *calls})
	})
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("contact-abc123"), Key("contact-abc123"))
	assert.NotEqual(t, Key("a"), Key("b"))
	assert.Len(t, Key("a"), len("form:")+16)
}

func TestMiddlewareCachesAndInvalidates(t *testing.T) {
	store := New(time.Minute)
	calls := 0
	router := setupTestRouter(store, &calls)

	w := get(router, "/f/contact")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	first := w.Body.String()

	w = get(router, "/f/contact")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, first, w.Body.String())
	assert.Equal(t, "7", w.Header().Get("X-Form-Id"))
	assert.Empty(t, w.Header().Get("Set-Cookie"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, store.Len())

	store.Invalidate("contact")
	w = get(router, "/f/contact")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, calls)
}

func TestMiddlewareSkipsErrors(t *testing.T) {
	store := New(time.Minute)
	calls := 0
	router := setupTestRouter(store, &calls)

	get(router, "/f/missing")
	w := get(router, "/f/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, store.Len())
}

func TestNilStoreDisablesCaching(t *testing.T) {
	store := New(0)
	assert.Nil(t, store)

	calls := 0
	router := setupTestRouter(store, &calls)
	get(router, "/f/contact")
	w := get(router, "/f/contact")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Cache"))
	assert.Equal(t, 2, calls)

	store.Invalidate("contact")
	store.Flush()
}

package cache

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware serves GET requests for the route parameter slugParam from the
// cache and stores successful JSON responses on a miss.
func (s *Store) Middleware(slugParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		slug := c.Param(slugParam)
		if slug == "" {
			c.Next()
			return
		}

		if cached, found := s.get(slug); found {
			for k, v := range cached.header {
				c.Writer.Header()[k] = v
			}
			c.Header("X-Cache", "HIT")
			c.Data(cached.status, cached.contentType, cached.body)
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
		}
		c.Writer = writer

		c.Next()

		contentType := c.Writer.Header().Get("Content-Type")
		if c.Writer.Status() == http.StatusOK && strings.HasPrefix(contentType, "application/json") {
			s.set(slug, entry{
				status:      http.StatusOK,
				contentType: contentType,
				header:      replayable(c.Writer.Header()),
				body:        bytes.Clone(writer.body.Bytes()),
			})
		}
	}
}

// replayable keeps the response headers that describe the cached body.
// Per-visitor headers are left out.
func replayable(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{"Set-Cookie", "Date", "Content-Length", "Content-Type", "X-Cache"} {
		out.Del(k)
	}
	return out
}

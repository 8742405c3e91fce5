package site

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"formflip/models"
)

type Module struct {
	db     *gorm.DB
	domain string
	logger *zap.Logger
}

func NewModule(db *gorm.DB, domain string, logger *zap.Logger) *Module {
	if domain == "" {
		domain = "http://localhost:8080"
	}
	return &Module{db: db, domain: strings.TrimSuffix(domain, "/"), logger: logger}
}

func (s *Module) RegisterRoutes(router *gin.Engine) {
	router.GET("/", s.index)
	router.GET("/sitemap.xml", s.sitemap)
}

func (s *Module) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "FormFlip",
		"domain":   s.domain,
		"register": s.domain + "/register",
		"login":    s.domain + "/login",
	})
}

type sitemapEntry struct {
	Slug      string
	UpdatedAt time.Time
}

// publishedForms lists the shareable forms of both storage backends, most
// recently changed first.
func (s *Module) publishedForms(c *gin.Context) ([]sitemapEntry, error) {
	db := s.db.WithContext(c.Request.Context())

	var entries []sitemapEntry
	if err := db.Model(&models.Form{}).
		Select("slug, updated_at").
		Where("published = ?", true).
		Scan(&entries).Error; err != nil {
		return nil, err
	}

	var remote []sitemapEntry
	if err := db.Model(&models.ProviderForm{}).
		Select("slug, updated_at").
		Where("published = ?", true).
		Scan(&remote).Error; err != nil {
		return nil, err
	}
	entries = append(entries, remote...)

	slices.SortStableFunc(entries, func(a, b sitemapEntry) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return entries, nil
}

func (s *Module) sitemap(c *gin.Context) {
	entries, err := s.publishedForms(c)
	if err != nil {
		s.logger.Error("failed to build sitemap", zap.Error(err))
		c.String(http.StatusInternalServerError, "failed to build sitemap")
		return
	}

	var sitemap strings.Builder
	sitemap.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sitemap.WriteString("\n")
	sitemap.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	sitemap.WriteString("\n")

	sitemap.WriteString("  <url>\n")
	sitemap.WriteString("    <loc>" + s.domain + "/</loc>\n")
	sitemap.WriteString("    <changefreq>weekly</changefreq>\n")
	sitemap.WriteString("    <priority>1.0</priority>\n")
	sitemap.WriteString("  </url>\n")

	// slugs are [a-z0-9-] only, nothing to escape
	for _, e := range entries {
		sitemap.WriteString("  <url>\n")
		sitemap.WriteString("    <loc>" + s.domain + "/f/" + e.Slug + "</loc>\n")
		sitemap.WriteString("    <lastmod>" + e.UpdatedAt.UTC().Format(time.RFC3339) + "</lastmod>\n")
		sitemap.WriteString("    <changefreq>monthly</changefreq>\n")
		sitemap.WriteString("    <priority>0.6</priority>\n")
		sitemap.WriteString("  </url>\n")
	}

	sitemap.WriteString("</urlset>\n")

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.String(http.StatusOK, sitemap.String())
}

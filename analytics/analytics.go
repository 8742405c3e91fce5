// Package analytics records views and submissions of public forms and
// aggregates them for the owner dashboard.
package analytics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"formflip/models"
)

const (
	EventView   = "view"
	EventSubmit = "submit"

	visitorCookie = "formflip_visitor_id"
	// views of the same form by the same visitor inside this window count once
	viewThrottle = 30 * time.Minute
)

type FormEvent struct {
	ID        uint   `gorm:"primary_key;autoIncrement"`
	FormID    uint   `gorm:"not null;index"`
	VisitorID string `gorm:"not null;index"`
	Event     string `gorm:"not null;default:'view';index"`
	IP        string `gorm:"not null"`
	Language  *string
	Browser   *string
	// referrer and utm_* campaign parameters of the visit
	Meta      datatypes.JSONMap
	CreatedAt time.Time `gorm:"index"`
}

type Module struct {
	db     *gorm.DB
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewModule migrates the events table. A nil db disables analytics and
// returns a nil *Module, whose methods are no-ops.
func NewModule(db *gorm.DB, logger *zap.Logger) *Module {
	if db == nil {
		logger.Info("analytics db not configured, analytics disabled")
		return nil
	}

	if err := db.AutoMigrate(&FormEvent{}); err != nil {
		logger.Error("failed to migrate form_events", zap.Error(err))
		return nil
	}

	return &Module{db: db, logger: logger}
}

// TrackView records a visit to a public form, at most once per visitor and
// form every thirty minutes.
func (a *Module) TrackView(c *gin.Context, formID uint) {
	if a == nil {
		return
	}
	a.trackView(c, formID, visitorID(c))
}

// ViewTracker records a view for every successful response that names its
// form in the header formIDHeader. It also serves responses replayed from a
// cache further down the chain, which never reach the handler.
func (a *Module) ViewTracker(formIDHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}

		// the cookie must be set before anything writes the response
		visitor := visitorID(c)
		c.Next()

		if c.Writer.Status() != http.StatusOK {
			return
		}
		formID, err := strconv.ParseUint(c.Writer.Header().Get(formIDHeader), 10, 64)
		if err != nil {
			return
		}
		a.trackView(c, uint(formID), visitor)
	}
}

func (a *Module) trackView(c *gin.Context, formID uint, visitor string) {
	var count int64
	err := a.db.Model(&FormEvent{}).
		Where("visitor_id = ? AND form_id = ? AND event = ? AND created_at > ?",
			visitor, formID, EventView, time.Now().UTC().Add(-viewThrottle)).
		Count(&count).Error
	if err != nil {
		a.logger.Warn("failed to check recent views", zap.Uint("form_id", formID), zap.Error(err))
		return
	}
	if count > 0 {
		return
	}

	a.record(FormEvent{
		FormID:    formID,
		VisitorID: visitor,
		Event:     EventView,
		IP:        clientIP(c),
		Language:  language(c.GetHeader("Accept-Language")),
		Browser:   browser(c.Request.UserAgent()),
		Meta:      visitMeta(c),
	})
}

var campaignParams = []string{"utm_source", "utm_medium", "utm_campaign"}

func visitMeta(c *gin.Context) datatypes.JSONMap {
	meta := datatypes.JSONMap{}
	if ref := c.Request.Referer(); ref != "" {
		meta["referrer"] = ref
	}
	for _, p := range campaignParams {
		if v := c.Query(p); v != "" {
			meta[p] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// SubmissionCreated records a submit event. Visitors are anonymous at this
// point so the event carries no visitor id.
func (a *Module) SubmissionCreated(_ context.Context, form *models.Form, _ *models.FormSubmission) {
	if a == nil {
		return
	}
	a.record(FormEvent{
		FormID:    form.ID,
		VisitorID: "-",
		Event:     EventSubmit,
		IP:        "-",
	})
}

// record saves the event in the background so requests never wait on the
// analytics database.
func (a *Module) record(event FormEvent) {
	event.CreatedAt = time.Now().UTC()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.db.Create(&event).Error; err != nil {
			a.logger.Warn("failed to save analytics event",
				zap.Uint("form_id", event.FormID), zap.String("event", event.Event), zap.Error(err))
		}
	}()
}

// Wait blocks until pending events are written.
func (a *Module) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

func visitorID(c *gin.Context) string {
	if cookie, err := c.Cookie(visitorCookie); err == nil && cookie != "" {
		return cookie
	}

	id := uuid.NewString()
	c.SetCookie(visitorCookie, id, 60*60*24*365*2, "/", "", false, true)
	return id
}

func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}

func browser(userAgent string) *string {
	if userAgent == "" {
		return nil
	}

	ua := strings.ToLower(userAgent)
	var name string

	// most specific first: Edge and Opera also announce Chrome
	switch {
	case strings.Contains(ua, "edg"):
		name = "Edge"
	case strings.Contains(ua, "opr") || strings.Contains(ua, "opera"):
		name = "Opera"
	case strings.Contains(ua, "chrome"):
		name = "Chrome"
	case strings.Contains(ua, "safari"):
		name = "Safari"
	case strings.Contains(ua, "firefox"):
		name = "Firefox"
	case strings.Contains(ua, "msie") || strings.Contains(ua, "trident"):
		name = "Internet Explorer"
	default:
		name = "Other"
	}
	return &name
}

// language returns the preferred tag of an Accept-Language header.
func language(header string) *string {
	lang := strings.TrimSpace(strings.Split(header, ",")[0])
	lang = strings.TrimSpace(strings.Split(lang, ";")[0])
	if lang == "" {
		return nil
	}
	return &lang
}

type DayCount struct {
	Date        string `json:"date"`
	Views       int64  `json:"views"`
	Submissions int64  `json:"submissions"`
}

type Stats struct {
	Views       int64      `json:"views"`
	Submissions int64      `json:"submissions"`
	Conversion  float64    `json:"conversion"`
	Days        []DayCount `json:"days"`
}

// Stats returns totals for all time and per-day counts for the last days
// days, today included. Days without events are present with zero counts.
func (a *Module) Stats(ctx context.Context, formID uint, days int) Stats {
	stats := Stats{Days: emptyDays(days)}
	if a == nil {
		return stats
	}

	db := a.db.WithContext(ctx)

	var totals []struct {
		Event string
		Count int64
	}
	if err := db.Model(&FormEvent{}).
		Select("event, COUNT(*) as count").
		Where("form_id = ?", formID).
		Group("event").
		Scan(&totals).Error; err != nil {
		a.logger.Warn("failed to count form events", zap.Uint("form_id", formID), zap.Error(err))
		return stats
	}
	for _, total := range totals {
		switch total.Event {
		case EventView:
			stats.Views = total.Count
		case EventSubmit:
			stats.Submissions = total.Count
		}
	}
	if stats.Views > 0 {
		stats.Conversion = float64(stats.Submissions) / float64(stats.Views)
	}

	if days <= 0 {
		return stats
	}

	startDate := time.Now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	var results []struct {
		Date  string
		Event string
		Count int64
	}
	if err := db.Model(&FormEvent{}).
		Select("DATE(created_at) as date, event, COUNT(*) as count").
		Where("form_id = ? AND created_at >= ?", formID, startDate).
		Group("DATE(created_at), event").
		Scan(&results).Error; err != nil {
		a.logger.Warn("failed to count daily form events", zap.Uint("form_id", formID), zap.Error(err))
		return stats
	}

	index := make(map[string]int, len(stats.Days))
	for i, day := range stats.Days {
		index[day.Date] = i
	}
	for _, result := range results {
		i, ok := index[dayKey(result.Date)]
		if !ok {
			continue
		}
		switch result.Event {
		case EventView:
			stats.Days[i].Views += result.Count
		case EventSubmit:
			stats.Days[i].Submissions += result.Count
		}
	}
	return stats
}

func emptyDays(days int) []DayCount {
	if days <= 0 {
		return []DayCount{}
	}
	now := time.Now().UTC()
	out := make([]DayCount, days)
	for i := 0; i < days; i++ {
		out[i] = DayCount{Date: now.AddDate(0, 0, -(days - 1 - i)).Format("2006-01-02")}
	}
	return out
}

// dayKey trims the time part some drivers append to DATE() results.
func dayKey(date string) string {
	if len(date) > 10 {
		return date[:10]
	}
	return date
}

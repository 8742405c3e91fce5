package backoffice

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"formflip/cache"
	"formflip/models"
)

const sessionKey = "backoffice_user_id"

// UserPurger removes data a user owns outside the database before the user
// row is deleted.
type UserPurger interface {
	PurgeUser(ctx context.Context, userID int) error
}

type Module struct {
	db     *gorm.DB
	cache  *cache.Store
	purger UserPurger
	emails []string
	logger *zap.Logger
}

// NewModule builds the operator console. Only accounts whose email is listed
// in emails may log in. store and purger may be nil.
func NewModule(db *gorm.DB, store *cache.Store, purger UserPurger, emails []string, logger *zap.Logger) *Module {
	allowed := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			allowed = append(allowed, e)
		}
	}
	return &Module{db: db, cache: store, purger: purger, emails: allowed, logger: logger}
}

func (b *Module) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/$")
	{
		group.GET("/login", b.loginPage)
		group.POST("/login", b.loginPost)
		group.GET("/index", b.requireBackofficeAuth, b.index)
		group.DELETE("/users/:userID", b.requireBackofficeAuth, b.deleteUser)
		group.POST("/clear-cache", b.requireBackofficeAuth, b.clearCache)
		group.GET("/logout", b.logout)
	}
}

// requireBackofficeAuth checks the session and that the account is still an
// operator.
func (b *Module) requireBackofficeAuth(c *gin.Context) {
	session := sessions.Default(c)
	userID := session.Get(sessionKey)

	if userID == nil {
		c.Redirect(http.StatusFound, "/$/login")
		c.Abort()
		return
	}

	var user models.User
	if err := b.db.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		c.Redirect(http.StatusFound, "/$/login")
		c.Abort()
		return
	}

	if !b.isBackofficeEmail(user.Email) {
		session.Clear()
		_ = session.Save()
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		c.Abort()
		return
	}

	c.Set("backoffice_user", user)
	c.Next()
}

func (b *Module) isBackofficeEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range b.emails {
		if e == email {
			return true
		}
	}
	return false
}

func (b *Module) loginPage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"authenticated": sessions.Default(c).Get(sessionKey) != nil})
}

func (b *Module) loginPost(c *gin.Context) {
	var in struct {
		Email    string `form:"email" json:"email"`
		Password string `form:"password" json:"password"`
	}
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var user models.User
	err := b.db.WithContext(c.Request.Context()).
		Where("email = ?", strings.ToLower(strings.TrimSpace(in.Email))).
		First(&user).Error
	if err != nil || !checkPasswordHash(in.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if !b.isBackofficeEmail(user.Email) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You are not allowed to use the backoffice"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKey, user.ID)
	if err := session.Save(); err != nil {
		b.logger.Error("failed to save backoffice session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.Redirect(http.StatusFound, "/$/index")
}

type userStats struct {
	models.User
	FormCount       int64 `json:"form_count"`
	SubmissionCount int64 `json:"submission_count"`
}

func (b *Module) index(c *gin.Context) {
	db := b.db.WithContext(c.Request.Context())

	var users []models.User
	if err := db.Order("id ASC").Find(&users).Error; err != nil {
		b.logger.Error("failed to load users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load users"})
		return
	}

	type count struct {
		UserID int
		Count  int64
	}
	var forms, providerForms, submissions []count
	queries := []struct {
		dest  *[]count
		query *gorm.DB
	}{
		{&forms, db.Model(&models.Form{}).Select("user_id, COUNT(*) as count").Group("user_id")},
		{&providerForms, db.Model(&models.ProviderForm{}).Select("user_id, COUNT(*) as count").Group("user_id")},
		{&submissions, db.Model(&models.FormSubmission{}).
			Select("forms.user_id as user_id, COUNT(*) as count").
			Joins("JOIN forms ON forms.id = form_submissions.form_id").
			Group("forms.user_id")},
	}
	for _, q := range queries {
		if err := q.query.Scan(q.dest).Error; err != nil {
			b.logger.Error("failed to count user data", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load users"})
			return
		}
	}

	byUser := func(counts []count) map[int]int64 {
		out := make(map[int]int64, len(counts))
		for _, row := range counts {
			out[row.UserID] += row.Count
		}
		return out
	}
	formCounts, providerCounts, submissionCounts := byUser(forms), byUser(providerForms), byUser(submissions)

	out := make([]userStats, len(users))
	for i, u := range users {
		out[i] = userStats{
			User:            u,
			FormCount:       formCounts[u.ID] + providerCounts[u.ID],
			SubmissionCount: submissionCounts[u.ID],
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// deleteUser removes an account. Forms, fields, submissions and values
// follow through the foreign key cascades.
func (b *Module) deleteUser(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	ctx := c.Request.Context()

	var user models.User
	if err := b.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if b.purger != nil {
		if err := b.purger.PurgeUser(ctx, user.ID); err != nil {
			b.logger.Error("failed to purge remote user data", zap.Int("user_id", user.ID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to delete remote forms"})
			return
		}
	}

	if err := b.db.WithContext(ctx).Delete(&user).Error; err != nil {
		b.logger.Error("failed to delete user", zap.Int("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}
	// the user's public forms may still be cached
	b.cache.Flush()

	b.logger.Info("user deleted from backoffice", zap.Int("user_id", user.ID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (b *Module) clearCache(c *gin.Context) {
	b.cache.Flush()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Cache cleared"})
}

func (b *Module) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete(sessionKey)
	_ = session.Save()

	c.Redirect(http.StatusFound, "/$/login")
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

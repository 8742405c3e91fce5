// Package admin serves accounts and the owner dashboard API. Every /api route
// runs behind requireAuth, which resolves the caller from the session.
package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"formflip/analytics"
	"formflip/forms"
	"formflip/models"
	"formflip/signal"
)

const (
	sessionUserKey = "user_id"
	minPassword    = 8
)

var passwordCost = bcrypt.DefaultCost

type Module struct {
	db        *gorm.DB
	forms     *forms.Service
	analytics *analytics.Module
	broker    signal.Broker
	logger    *zap.Logger
}

// NewModule wires the dashboard. analyticsModule and broker may be nil.
func NewModule(db *gorm.DB, svc *forms.Service, analyticsModule *analytics.Module, broker signal.Broker, logger *zap.Logger) *Module {
	return &Module{
		db:        db,
		forms:     svc,
		analytics: analyticsModule,
		broker:    broker,
		logger:    logger,
	}
}

func (a *Module) RegisterRoutes(router *gin.Engine) {
	router.GET("/login", a.loginPage)
	router.POST("/login", a.loginPost)
	router.POST("/register", a.registerPost)
	router.GET("/logout", a.logout)

	api := router.Group("/api")
	api.Use(a.requireAuth)
	{
		api.GET("/me", a.me)

		api.GET("/forms", a.listForms)
		api.POST("/forms", a.createForm)
		api.GET("/forms/:id", a.getForm)
		api.PATCH("/forms/:id", a.updateForm)
		api.DELETE("/forms/:id", a.deleteForm)
		api.POST("/forms/:id/publish", a.togglePublish)
		api.GET("/forms/:id/schema", a.exportSchema)
		api.PUT("/forms/:id/schema", a.importSchema)
		api.GET("/forms/:id/stats", a.stats)
		api.GET("/forms/:id/live", a.live)

		api.POST("/forms/:id/fields", a.createField)
		api.PATCH("/fields/:id", a.updateField)
		api.DELETE("/fields/:id", a.deleteField)

		api.GET("/forms/:id/submissions", a.listSubmissions)
		api.DELETE("/submissions/:id", a.deleteSubmission)
	}
}

// requireAuth redirects anonymous callers to /login and otherwise makes the
// session's user id available through CallerID.
func (a *Module) requireAuth(c *gin.Context) {
	session := sessions.Default(c)
	userID := session.Get(sessionUserKey)

	if userID == nil {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}

	c.Set(sessionUserKey, userID)
	c.Next()
}

// CallerID is the id of the user authenticated by requireAuth.
func CallerID(c *gin.Context) int {
	return c.GetInt(sessionUserKey)
}

func (a *Module) loginPage(c *gin.Context) {
	session := sessions.Default(c)
	if session.Get(sessionUserKey) != nil {
		c.Redirect(http.StatusFound, "/api/forms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

type credentials struct {
	Name     string `form:"name" json:"name"`
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

func (a *Module) loginPost(c *gin.Context) {
	var in credentials
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var user models.User
	err := a.db.WithContext(c.Request.Context()).
		Where("email = ?", normalizeEmail(in.Email)).
		First(&user).Error
	if err != nil || !checkPasswordHash(in.Password, user.PasswordHash) {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			a.logger.Error("failed to load user", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if err := a.startSession(c, user.ID); err != nil {
		a.logger.Error("failed to save session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	a.logger.Info("user logged in", zap.Int("user_id", user.ID))
	c.JSON(http.StatusOK, user)
}

func (a *Module) registerPost(c *gin.Context) {
	var in credentials
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	switch {
	case in.Name == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required", "field": "name"})
		return
	case !strings.Contains(in.Email, "@"):
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid email is required", "field": "email"})
		return
	case len(in.Password) < minPassword:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password must have at least 8 characters", "field": "password"})
		return
	}

	db := a.db.WithContext(c.Request.Context())

	var existing int64
	if err := db.Model(&models.User{}).Where("email = ?", in.Email).Count(&existing).Error; err != nil {
		a.logger.Error("failed to check email", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if existing > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "This email is already registered", "field": "email"})
		return
	}

	passwordHash, err := hashPassword(in.Password)
	if err != nil {
		a.logger.Error("failed to hash password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	user := models.User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: passwordHash,
	}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "This email is already registered", "field": "email"})
			return
		}
		a.logger.Error("failed to create user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := a.startSession(c, user.ID); err != nil {
		a.logger.Error("failed to save session", zap.Error(err))
	}
	a.logger.Info("user registered", zap.Int("user_id", user.ID))
	c.JSON(http.StatusCreated, user)
}

func (a *Module) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		a.logger.Warn("failed to clear session", zap.Error(err))
	}

	c.Redirect(http.StatusFound, "/login")
}

func (a *Module) me(c *gin.Context) {
	var user models.User
	if err := a.db.WithContext(c.Request.Context()).First(&user, CallerID(c)).Error; err != nil {
		// the account is gone; drop the stale session
		session := sessions.Default(c)
		session.Clear()
		_ = session.Save()
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *Module) startSession(c *gin.Context, userID int) error {
	session := sessions.Default(c)
	session.Set(sessionUserKey, userID)
	return session.Save()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

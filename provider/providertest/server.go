// Package providertest runs an in-memory forms provider for tests.
package providertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"formflip/provider"
)

type Server struct {
	*httptest.Server

	apiKey string

	mu              sync.Mutex
	forms           map[string]provider.Form
	submissions     map[int64]provider.Submission
	nextForm        int
	nextSubmission  int64
	failSubmissions bool
	failDeletes     bool
}

func NewServer(apiKey string) *Server {
	s := &Server{
		apiKey:      apiKey,
		forms:       make(map[string]provider.Form),
		submissions: make(map[int64]provider.Submission),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	project := router.Group("/projects/:project", s.requireKey)
	project.POST("/forms", s.createForm)
	project.GET("/forms/:id", s.getForm)
	project.PUT("/forms/:id", s.updateForm)
	project.DELETE("/forms/:id", s.deleteForm)
	project.POST("/forms/:id/submissions", s.createSubmission)
	project.GET("/forms/:id/submissions", s.listSubmissions)
	project.GET("/submissions/:id", s.getSubmission)
	project.DELETE("/submissions/:id", s.deleteSubmission)

	s.Server = httptest.NewServer(router)
	return s
}

// FailSubmissions makes submission creation answer 500 until reset.
func (s *Server) FailSubmissions(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmissions = fail
}

// FailDeletes makes form deletion answer 500 until reset.
func (s *Server) FailDeletes(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = fail
}

func (s *Server) FormCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forms)
}

func (s *Server) SubmissionCount(formID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.submissions {
		if sub.FormID == formID {
			n++
		}
	}
	return n
}

// Form returns the stored copy of a form.
func (s *Server) Form(id string) (provider.Form, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[id]
	return f, ok
}

func (s *Server) requireKey(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.Next()
}

type formBody struct {
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

func (s *Server) createForm(c *gin.Context) {
	var body formBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextForm++
	now := time.Now().UTC()
	form := provider.Form{
		ID:          "frm_" + strconv.Itoa(s.nextForm),
		Name:        body.Name,
		Description: body.Description,
		Schema:      body.Schema,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.forms[form.ID] = form
	c.JSON(http.StatusCreated, form)
}

func (s *Server) getForm(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
		return
	}
	c.JSON(http.StatusOK, form)
}

func (s *Server) updateForm(c *gin.Context) {
	var body formBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
		return
	}
	form.Name = body.Name
	form.Description = body.Description
	form.Schema = body.Schema
	form.UpdatedAt = time.Now().UTC()
	s.forms[form.ID] = form
	c.JSON(http.StatusOK, form)
}

func (s *Server) deleteForm(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage unavailable"})
		return
	}
	id := c.Param("id")
	if _, ok := s.forms[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
		return
	}
	delete(s.forms, id)
	for subID, sub := range s.submissions {
		if sub.FormID == id {
			delete(s.submissions, subID)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createSubmission(c *gin.Context) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubmissions {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage unavailable"})
		return
	}
	formID := c.Param("id")
	if _, ok := s.forms[formID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
		return
	}
	s.nextSubmission++
	sub := provider.Submission{
		ID:        s.nextSubmission,
		FormID:    formID,
		Data:      body.Data,
		CreatedAt: time.Now().UTC(),
	}
	s.submissions[sub.ID] = sub
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubmissions(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	formID := c.Param("id")
	if _, ok := s.forms[formID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
		return
	}
	subs := []provider.Submission{}
	for _, sub := range s.submissions {
		if sub.FormID == formID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID > subs[j].ID })
	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

func (s *Server) submission(c *gin.Context) (provider.Submission, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return provider.Submission{}, false
	}
	sub, ok := s.submissions[id]
	return sub, ok
}

func (s *Server) getSubmission(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submission(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubmission(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submission(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		return
	}
	delete(s.submissions, sub.ID)
	c.Status(http.StatusNoContent)
}

package admin

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formflip/forms"
)

const (
	defaultStatsDays = 30
	maxStatsDays     = 365
	maxSchemaBytes   = 1 << 20
)

// pathID parses the :id parameter. Anything unparsable is reported the way
// a missing row is.
func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}

func (a *Module) fail(c *gin.Context, err error) {
	var verr *forms.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		return
	}
	a.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("user_id", CallerID(c)),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
}

func (a *Module) listForms(c *gin.Context) {
	list, err := a.forms.ListForms(c.Request.Context(), CallerID(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *Module) createForm(c *gin.Context) {
	var in forms.FormInput
	if err := c.ShouldBind(&in); err != nil {
		badBody(c)
		return
	}
	form, err := a.forms.CreateForm(c.Request.Context(), CallerID(c), in)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, form)
}

func (a *Module) getForm(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	form, err := a.forms.GetForm(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusOK, form)
}

func (a *Module) updateForm(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	var in forms.FormUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		badBody(c)
		return
	}
	form, err := a.forms.UpdateForm(c.Request.Context(), CallerID(c), id, in)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusOK, form)
}

func (a *Module) deleteForm(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	deleted, err := a.forms.DeleteForm(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		notFound(c, "Form")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Module) togglePublish(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	form, err := a.forms.TogglePublish(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusOK, form)
}

func (a *Module) exportSchema(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	doc, err := a.forms.ExportSchema(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if doc == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (a *Module) importSchema(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSchemaBytes))
	if err != nil {
		badBody(c)
		return
	}
	fields, err := a.forms.ImportSchema(c.Request.Context(), CallerID(c), id, raw)
	if err != nil {
		a.fail(c, err)
		return
	}
	if fields == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusOK, fields)
}

func (a *Module) stats(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	form, err := a.forms.GetForm(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}

	days := defaultStatsDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer", "field": "days"})
			return
		}
		days = min(n, maxStatsDays)
	}

	c.JSON(http.StatusOK, a.analytics.Stats(c.Request.Context(), form.ID, days))
}

func (a *Module) createField(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	var in forms.FieldInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badBody(c)
		return
	}
	field, err := a.forms.CreateField(c.Request.Context(), CallerID(c), id, in)
	if err != nil {
		a.fail(c, err)
		return
	}
	if field == nil {
		notFound(c, "Form")
		return
	}
	c.JSON(http.StatusCreated, field)
}

func (a *Module) updateField(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Field")
		return
	}
	var in forms.FieldUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		badBody(c)
		return
	}
	field, err := a.forms.UpdateField(c.Request.Context(), CallerID(c), id, in)
	if err != nil {
		a.fail(c, err)
		return
	}
	if field == nil {
		notFound(c, "Field")
		return
	}
	c.JSON(http.StatusOK, field)
}

func (a *Module) deleteField(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Field")
		return
	}
	deleted, err := a.forms.DeleteField(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		notFound(c, "Field")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Module) listSubmissions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	ctx := c.Request.Context()
	form, err := a.forms.GetForm(ctx, CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}
	subs, err := a.forms.ListSubmissions(ctx, CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (a *Module) deleteSubmission(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Submission")
		return
	}
	deleted, err := a.forms.DeleteSubmission(c.Request.Context(), CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		notFound(c, "Submission")
		return
	}
	c.Status(http.StatusNoContent)
}

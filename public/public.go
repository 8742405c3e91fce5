// Package public serves shared forms to anonymous visitors.
package public

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"formflip/analytics"
	"formflip/cache"
	"formflip/forms"
	"formflip/models"
	"formflip/normalize"
)

// FormIDHeader names the form a successful GET /f/:slug response describes.
const FormIDHeader = "X-Form-Id"

const maxSubmissionBytes = 1 << 20

// Descriptions are untrusted, so raw HTML is escaped rather than passed
// through.
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Linkify,
	),
)

type Module struct {
	forms     *forms.Service
	cache     *cache.Store
	analytics *analytics.Module
	logger    *zap.Logger
}

// NewModule wires the share endpoints. store and analyticsModule may be nil.
func NewModule(svc *forms.Service, store *cache.Store, analyticsModule *analytics.Module, logger *zap.Logger) *Module {
	return &Module{
		forms:     svc,
		cache:     store,
		analytics: analyticsModule,
		logger:    logger,
	}
}

func (p *Module) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/f")
	{
		group.GET("/:slug", p.analytics.ViewTracker(FormIDHeader), p.cache.Middleware("slug"), p.show)
		group.POST("/:slug", p.submit)
	}
}

type publicField struct {
	Key         string           `json:"key"`
	Label       string           `json:"label"`
	Type        models.FieldType `json:"type"`
	Required    bool             `json:"required"`
	Placeholder *string          `json:"placeholder"`
	Options     models.Options   `json:"options"`
}

type publicForm struct {
	Name            string        `json:"name"`
	Slug            string        `json:"slug"`
	Description     *string       `json:"description"`
	DescriptionHTML string        `json:"description_html"`
	Fields          []publicField `json:"fields"`
}

func renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func toPublic(form *models.Form) publicForm {
	out := publicForm{
		Name:        form.Name,
		Slug:        form.Slug,
		Description: form.Description,
		Fields:      make([]publicField, 0, len(form.Fields)),
	}
	if form.Description != nil {
		out.DescriptionHTML = renderMarkdown(*form.Description)
	}
	for _, f := range form.Fields {
		out.Fields = append(out.Fields, publicField{
			Key:         f.Key,
			Label:       f.Label,
			Type:        f.Type,
			Required:    f.Required,
			Placeholder: f.Placeholder,
			Options:     f.Options,
		})
	}
	return out
}

func (p *Module) show(c *gin.Context) {
	form, err := p.forms.GetPublicForm(c.Request.Context(), c.Param("slug"))
	if err != nil {
		p.logger.Error("failed to load public form", zap.String("slug", c.Param("slug")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if form == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Form not found"})
		return
	}

	c.Header(FormIDHeader, strconv.FormatUint(uint64(form.ID), 10))
	c.JSON(http.StatusOK, toPublic(form))
}

func (p *Module) submit(c *gin.Context) {
	values, err := readValues(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, forms.Result{Success: false, Error: "Invalid request body"})
		return
	}

	result := p.forms.Submit(c.Request.Context(), c.Param("slug"), values)
	c.JSON(statusFor(result), result)
}

func statusFor(result forms.Result) int {
	switch result.Reason {
	case forms.ReasonNone:
		return http.StatusOK
	case forms.ReasonNotFound, forms.ReasonClosed:
		return http.StatusNotFound
	case forms.ReasonInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readValues accepts a JSON object or a urlencoded/multipart form. JSON
// scalars are turned into the text a form post would have carried; for a
// repeated form key the first value wins.
func readValues(c *gin.Context) (map[string]string, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSubmissionBytes))
		if err != nil {
			return nil, err
		}
		var body map[string]any
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&body); err != nil {
			return nil, err
		}
		values := make(map[string]string, len(body))
		for k, v := range body {
			values[k] = normalize.FromJSON(v)
		}
		return values, nil
	}

	if err := c.Request.ParseMultipartForm(maxSubmissionBytes); err != nil && err != http.ErrNotMultipart {
		return nil, err
	}
	values := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	return values, nil
}

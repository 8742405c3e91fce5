// Package forms implements the owner operations on forms, fields and
// submissions, and the public submission pipeline. It depends only on
// repository.FormRepository.
//
// Anything the caller does not own is reported as absent: a nil form, an
// empty list or false, never an error.
package forms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"formflip/models"
	"formflip/repository"
	"formflip/schema"
)

var tracer = otel.Tracer("forms")

const slugAttempts = 3

// ValidationError is returned for input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Invalidator drops cached public renderings of a form.
type Invalidator interface {
	Invalidate(slug string)
}

// SubmissionListener is told about every stored submission. Listeners must not
// block; failures are theirs to log.
type SubmissionListener interface {
	SubmissionCreated(ctx context.Context, form *models.Form, submission *models.FormSubmission)
}

type Service struct {
	repo        repository.FormRepository
	logger      *zap.Logger
	invalidator Invalidator
	listeners   []SubmissionListener
	schemaOpts  []schema.EncodeOption
}

type Option func(*Service)

func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func WithListener(l SubmissionListener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// WithStableSchemaKeys makes ExportSchema key properties by field id.
func WithStableSchemaKeys() Option {
	return func(s *Service) { s.schemaOpts = append(s.schemaOpts, schema.WithStableKeys()) }
}

func NewService(repo repository.FormRepository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) invalidate(form *models.Form) {
	if s.invalidator != nil && form != nil {
		s.invalidator.Invalidate(form.Slug)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ownedForm is the single ownership guard. It returns nil, nil when the form
// does not exist or belongs to someone else.
func (s *Service) ownedForm(ctx context.Context, userID int, formID uint) (*models.Form, error) {
	form, err := s.repo.FindForm(ctx, formID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if form.UserID != userID {
		return nil, nil
	}
	return form, nil
}

type FormInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// FormUpdate carries the fields to overwrite; nil members are left alone.
type FormUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func cleanDescription(d *string) *string {
	if d == nil || strings.TrimSpace(*d) == "" {
		return nil
	}
	v := *d
	return &v
}

func (s *Service) ListForms(ctx context.Context, userID int) ([]models.FormSummary, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.ListForms")
	forms, err := s.repo.ListForms(ctx, userID)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return forms, nil
}

func (s *Service) GetForm(ctx context.Context, userID int, formID uint) (*models.Form, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.GetForm", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	form, err := s.ownedForm(ctx, userID, formID)
	endSpan(span, err)
	return form, err
}

func (s *Service) CreateForm(ctx context.Context, userID int, in FormInput) (*models.Form, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.CreateForm")
	var err error
	defer func() { endSpan(span, err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		err = invalid("name", "is required")
		return nil, err
	}

	form := &models.Form{
		UserID:      userID,
		Name:        name,
		Description: cleanDescription(in.Description),
	}
	for attempt := 0; attempt < slugAttempts; attempt++ {
		form.Slug, err = generateSlug(name)
		if err != nil {
			return nil, err
		}
		err = s.repo.CreateForm(ctx, form)
		if !errors.Is(err, repository.ErrSlugTaken) {
			break
		}
		s.logger.Warn("slug collision, retrying", zap.String("slug", form.Slug))
	}
	if err != nil {
		s.logger.Error("failed to create form", zap.Int("user_id", userID), zap.Error(err))
		return nil, err
	}
	if form.Fields == nil {
		form.Fields = []models.FormField{}
	}
	s.logger.Info("form created", zap.Uint("form_id", form.ID), zap.String("slug", form.Slug))
	return form, nil
}

func (s *Service) UpdateForm(ctx context.Context, userID int, formID uint, in FormUpdate) (*models.Form, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.UpdateForm", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			err = invalid("name", "must not be blank")
			return nil, err
		}
		form.Name = name
	}
	if in.Description != nil {
		form.Description = cleanDescription(in.Description)
	}

	if err = s.repo.UpdateForm(ctx, form); err != nil {
		return nil, err
	}
	s.invalidate(form)
	return s.repo.FindForm(ctx, formID)
}

// TogglePublish flips the published flag. Existing submissions are untouched.
func (s *Service) TogglePublish(ctx context.Context, userID int, formID uint) (*models.Form, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.TogglePublish", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return nil, err
	}
	form.Published = !form.Published
	if err = s.repo.UpdateForm(ctx, form); err != nil {
		return nil, err
	}
	s.invalidate(form)
	s.logger.Info("form publish toggled", zap.Uint("form_id", form.ID), zap.Bool("published", form.Published))
	return form, nil
}

// DeleteForm removes the form; fields and submissions go with it through the
// storage layer's cascades.
func (s *Service) DeleteForm(ctx context.Context, userID int, formID uint) (bool, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.DeleteForm", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return false, err
	}
	if err = s.repo.DeleteForm(ctx, formID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = nil
			return false, nil
		}
		return false, err
	}
	s.invalidate(form)
	s.logger.Info("form deleted", zap.Uint("form_id", formID))
	return true, nil
}

// ExportSchema encodes the form's fields as a schema document.
func (s *Service) ExportSchema(ctx context.Context, userID int, formID uint) (*schema.Document, error) {
	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return nil, err
	}
	doc := schema.Encode(form.Fields, s.schemaOpts...)
	return &doc, nil
}

// ImportSchema replaces every field of the form with the ones described by
// raw. Values stored for the old fields are removed with them.
func (s *Service) ImportSchema(ctx context.Context, userID int, formID uint, raw []byte) ([]models.FormField, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.ImportSchema", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return nil, err
	}
	if !schema.IsDocument(raw) {
		err = invalid("schema", "must be an object schema with properties")
		return nil, err
	}

	fields, err := s.repo.ReplaceFields(ctx, formID, schema.Decode(raw))
	if err != nil {
		return nil, err
	}
	s.invalidate(form)
	s.logger.Info("schema imported", zap.Uint("form_id", formID), zap.Int("fields", len(fields)))
	return fields, nil
}

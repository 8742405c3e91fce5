package forms

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"formflip/models"
	"formflip/repository"
)

type FieldInput struct {
	Label       string           `json:"label"`
	Type        models.FieldType `json:"type"`
	Required    bool             `json:"required"`
	Order       int              `json:"order"`
	Placeholder *string          `json:"placeholder"`
	Options     models.Options   `json:"options"`
}

// FieldUpdate carries the members to overwrite; nil members are left alone.
// An empty Placeholder clears it.
type FieldUpdate struct {
	Label       *string           `json:"label"`
	Type        *models.FieldType `json:"type"`
	Required    *bool             `json:"required"`
	Order       *int              `json:"order"`
	Placeholder *string           `json:"placeholder"`
	Options     *models.Options   `json:"options"`
}

func cleanPlaceholder(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	v := *p
	return &v
}

// validateField checks label and type and drops options from anything that is
// not a select.
func validateField(f *models.FormField) error {
	f.Label = strings.TrimSpace(f.Label)
	if f.Label == "" {
		return invalid("label", "is required")
	}
	if f.Type == "" {
		f.Type = models.FieldText
	}
	if !f.Type.Valid() {
		return invalid("type", "must be one of text, email, number, textarea, checkbox, select")
	}
	if f.Type != models.FieldSelect || len(f.Options) == 0 {
		f.Options = nil
	}
	return nil
}

// ownedField walks field -> form -> owner through the form guard.
func (s *Service) ownedField(ctx context.Context, userID int, fieldID uint) (*models.FormField, *models.Form, error) {
	field, err := s.repo.FindField(ctx, fieldID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	form, err := s.ownedForm(ctx, userID, field.FormID)
	if err != nil || form == nil {
		return nil, nil, err
	}
	return field, form, nil
}

func (s *Service) CreateField(ctx context.Context, userID int, formID uint, in FieldInput) (*models.FormField, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.CreateField", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil || form == nil {
		return nil, err
	}

	field := &models.FormField{
		FormID:      formID,
		Label:       in.Label,
		Type:        in.Type,
		Required:    in.Required,
		Order:       in.Order,
		Placeholder: cleanPlaceholder(in.Placeholder),
		Options:     in.Options,
	}
	if err = validateField(field); err != nil {
		return nil, err
	}
	if err = s.repo.CreateField(ctx, field); err != nil {
		s.logger.Error("failed to create field", zap.Uint("form_id", formID), zap.Error(err))
		return nil, err
	}
	s.invalidate(form)
	return field, nil
}

func (s *Service) UpdateField(ctx context.Context, userID int, fieldID uint, in FieldUpdate) (*models.FormField, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.UpdateField", trace.WithAttributes(attribute.Int("field_id", int(fieldID))))
	var err error
	defer func() { endSpan(span, err) }()

	field, form, err := s.ownedField(ctx, userID, fieldID)
	if err != nil || field == nil {
		return nil, err
	}

	if in.Label != nil {
		field.Label = *in.Label
	}
	if in.Type != nil {
		field.Type = *in.Type
	}
	if in.Required != nil {
		field.Required = *in.Required
	}
	if in.Order != nil {
		field.Order = *in.Order
	}
	if in.Placeholder != nil {
		field.Placeholder = cleanPlaceholder(in.Placeholder)
	}
	if in.Options != nil {
		field.Options = *in.Options
	}
	if err = validateField(field); err != nil {
		return nil, err
	}

	if err = s.repo.UpdateField(ctx, field); err != nil {
		return nil, err
	}
	s.invalidate(form)
	return field, nil
}

func (s *Service) DeleteField(ctx context.Context, userID int, fieldID uint) (bool, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.DeleteField", trace.WithAttributes(attribute.Int("field_id", int(fieldID))))
	var err error
	defer func() { endSpan(span, err) }()

	field, form, err := s.ownedField(ctx, userID, fieldID)
	if err != nil || field == nil {
		return false, err
	}
	if err = s.repo.DeleteField(ctx, fieldID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = nil
			return false, nil
		}
		return false, err
	}
	s.invalidate(form)
	return true, nil
}

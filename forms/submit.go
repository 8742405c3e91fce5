package forms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"formflip/models"
	"formflip/normalize"
	"formflip/repository"
)

// Reason classifies a failed submission for the transport layer.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotFound
	ReasonClosed
	ReasonInvalid
	ReasonFailed
)

const (
	msgNotFound = "Form not found"
	msgClosed   = "Form is not accepting submissions"
)

// Result is the outcome of Submit.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Reason       Reason `json:"-"`
	SubmissionID uint   `json:"-"`
}

func failure(reason Reason, msg string) Result {
	return Result{Success: false, Error: msg, Reason: reason}
}

// GetPublicForm returns a published form by slug, or nil.
func (s *Service) GetPublicForm(ctx context.Context, slug string) (*models.Form, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.GetPublicForm", trace.WithAttributes(attribute.String("slug", slug)))
	defer span.End()

	form, err := s.repo.FindFormBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, err
	}
	if !form.Published {
		return nil, nil
	}
	return form, nil
}

// Submit validates values against the published form identified by slug and
// stores them. values is keyed by field key. Every outcome, including storage
// failures, is reported in the Result.
func (s *Service) Submit(ctx context.Context, slug string, values map[string]string) (res Result) {
	ctx, span := tracer.Start(ctx, "Forms.Service.Submit", trace.WithAttributes(attribute.String("slug", slug)))
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("submission panicked", zap.String("slug", slug), zap.Any("panic", r))
			res = failure(ReasonFailed, fmt.Sprintf("Failed to save submission: %v", r))
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}()

	form, err := s.repo.FindFormBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(ReasonNotFound, msgNotFound)
		}
		s.logger.Error("failed to load form for submission", zap.String("slug", slug), zap.Error(err))
		return failure(ReasonFailed, "Failed to save submission: "+err.Error())
	}
	if !form.Published {
		return failure(ReasonClosed, msgClosed)
	}

	for _, f := range form.Fields {
		if f.Required && normalize.IsBlank(values[f.Key]) {
			return failure(ReasonInvalid, fmt.Sprintf(`"%s" is required`, f.Label))
		}
	}

	submission := &models.FormSubmission{
		FormID:      form.ID,
		SubmittedAt: time.Now(),
		Values:      storableValues(form.Fields, values),
	}
	if err := s.repo.CreateSubmission(ctx, submission); err != nil {
		s.logger.Error("failed to save submission", zap.Uint("form_id", form.ID), zap.Error(err))
		return failure(ReasonFailed, "Failed to save submission: "+err.Error())
	}

	span.SetAttributes(attribute.Int("submission_id", int(submission.ID)))
	s.logger.Info("submission stored",
		zap.Uint("form_id", form.ID),
		zap.Uint("submission_id", submission.ID),
		zap.Int("values", len(submission.Values)),
	)

	notifyCtx := context.WithoutCancel(ctx)
	for _, l := range s.listeners {
		l.SubmissionCreated(notifyCtx, form, submission)
	}
	return Result{Success: true, SubmissionID: submission.ID}
}

// storableValues coerces each supplied value by field type and keeps the ones
// worth a row: blank input, blank text and unchecked checkboxes are dropped.
// Keys that match no field are ignored.
func storableValues(fields []models.FormField, values map[string]string) []models.FormSubmissionValue {
	out := []models.FormSubmissionValue{}
	for _, f := range fields {
		raw, ok := values[f.Key]
		if !ok || normalize.IsBlank(raw) {
			continue
		}
		v := normalize.Coerce(string(f.Type), raw)
		if !v.Storable() {
			continue
		}
		out = append(out, models.FormSubmissionValue{
			FieldID:  f.ID,
			FieldKey: f.Key,
			Value:    v.Text(),
		})
	}
	return out
}

// ListSubmissions returns the form's submissions newest first, or an empty list
// when the caller does not own the form.
func (s *Service) ListSubmissions(ctx context.Context, userID int, formID uint) ([]models.FormSubmission, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.ListSubmissions", trace.WithAttributes(attribute.Int("form_id", int(formID))))
	var err error
	defer func() { endSpan(span, err) }()

	form, err := s.ownedForm(ctx, userID, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return []models.FormSubmission{}, nil
	}
	subs, err := s.repo.ListSubmissions(ctx, formID)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []models.FormSubmission{}
	}
	return subs, nil
}

// DeleteSubmission walks submission -> form -> owner through the form guard.
func (s *Service) DeleteSubmission(ctx context.Context, userID int, submissionID uint) (bool, error) {
	ctx, span := tracer.Start(ctx, "Forms.Service.DeleteSubmission", trace.WithAttributes(attribute.Int("submission_id", int(submissionID))))
	var err error
	defer func() { endSpan(span, err) }()

	sub, err := s.repo.FindSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = nil
			return false, nil
		}
		return false, err
	}
	form, err := s.ownedForm(ctx, userID, sub.FormID)
	if err != nil || form == nil {
		return false, err
	}
	if err = s.repo.DeleteSubmission(ctx, submissionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = nil
			return false, nil
		}
		return false, err
	}
	return true, nil
}

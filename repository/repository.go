// Package repository persists forms, fields and submissions. FormRepository
// has two implementations: GormRepository keeps everything in the relational
// database, ProviderRepository keeps field definitions and submissions in the
// external forms provider and only a slug mapping locally.
package repository

import (
	"context"
	"errors"

	"formflip/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrSlugTaken is returned when a form is created with a slug already in use.
var ErrSlugTaken = errors.New("slug already in use")

// FormRepository is the storage contract shared by both backends. It performs
// no ownership checks; callers compare Form.UserID themselves.
type FormRepository interface {
	ListForms(ctx context.Context, userID int) ([]models.FormSummary, error)
	// FindForm and FindFormBySlug load the form with its fields sorted by order.
	FindForm(ctx context.Context, formID uint) (*models.Form, error)
	FindFormBySlug(ctx context.Context, slug string) (*models.Form, error)
	CreateForm(ctx context.Context, form *models.Form) error
	// UpdateForm saves name, description and published.
	UpdateForm(ctx context.Context, form *models.Form) error
	DeleteForm(ctx context.Context, formID uint) error

	FindField(ctx context.Context, fieldID uint) (*models.FormField, error)
	CreateField(ctx context.Context, field *models.FormField) error
	UpdateField(ctx context.Context, field *models.FormField) error
	DeleteField(ctx context.Context, fieldID uint) error
	// ReplaceFields swaps the whole field list of a form in one step.
	ReplaceFields(ctx context.Context, formID uint, fields []models.FormField) ([]models.FormField, error)

	// ListSubmissions returns submissions newest first, values carrying their field.
	ListSubmissions(ctx context.Context, formID uint) ([]models.FormSubmission, error)
	FindSubmission(ctx context.Context, submissionID uint) (*models.FormSubmission, error)
	// CreateSubmission stores the submission and its values atomically.
	CreateSubmission(ctx context.Context, submission *models.FormSubmission) error
	DeleteSubmission(ctx context.Context, submissionID uint) error
}

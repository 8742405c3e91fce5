package repository

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"formflip/models"
)

// GormRepository stores everything in the relational database. Cascading
// deletes rely on the foreign keys declared in models.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) getDB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func fieldsInOrder(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC").Order("id ASC")
}

func fieldKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func setFieldKeys(fields []models.FormField) {
	for i := range fields {
		fields[i].Key = fieldKey(fields[i].ID)
	}
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (r *GormRepository) ListForms(ctx context.Context, userID int) ([]models.FormSummary, error) {
	db := r.getDB(ctx)

	var forms []models.Form
	err := db.Where("user_id = ?", userID).
		Preload("Fields", fieldsInOrder).
		Order("created_at DESC").
		Order("id DESC").
		Find(&forms).Error
	if err != nil {
		return nil, errors.Wrap(err, "GormRepository.ListForms: find forms")
	}

	summaries := make([]models.FormSummary, 0, len(forms))
	if len(forms) == 0 {
		return summaries, nil
	}

	ids := make([]uint, len(forms))
	for i, f := range forms {
		ids[i] = f.ID
	}

	var counts []struct {
		FormID uint
		Count  int64
	}
	err = db.Model(&models.FormSubmission{}).
		Select("form_id, COUNT(*) as count").
		Where("form_id IN ?", ids).
		Group("form_id").
		Scan(&counts).Error
	if err != nil {
		return nil, errors.Wrap(err, "GormRepository.ListForms: count submissions")
	}
	countMap := make(map[uint]int64, len(counts))
	for _, c := range counts {
		countMap[c.FormID] = c.Count
	}

	for _, f := range forms {
		setFieldKeys(f.Fields)
		summaries = append(summaries, models.FormSummary{
			Form:            f,
			FieldCount:      len(f.Fields),
			SubmissionCount: countMap[f.ID],
		})
	}
	return summaries, nil
}

func (r *GormRepository) FindForm(ctx context.Context, formID uint) (*models.Form, error) {
	var form models.Form
	err := r.getDB(ctx).Preload("Fields", fieldsInOrder).First(&form, formID).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "GormRepository.FindForm")
	}
	setFieldKeys(form.Fields)
	return &form, nil
}

func (r *GormRepository) FindFormBySlug(ctx context.Context, slug string) (*models.Form, error) {
	var form models.Form
	err := r.getDB(ctx).Preload("Fields", fieldsInOrder).Where("slug = ?", slug).First(&form).Error
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "GormRepository.FindFormBySlug")
	}
	setFieldKeys(form.Fields)
	return &form, nil
}

func (r *GormRepository) CreateForm(ctx context.Context, form *models.Form) error {
	err := r.getDB(ctx).Omit(clause.Associations).Create(form).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSlugTaken
		}
		return errors.Wrap(err, "GormRepository.CreateForm")
	}
	return nil
}

func (r *GormRepository) UpdateForm(ctx context.Context, form *models.Form) error {
	result := r.getDB(ctx).Model(&models.Form{}).Where("id = ?", form.ID).Updates(map[string]interface{}{
		"name":        form.Name,
		"description": form.Description,
		"published":   form.Published,
	})
	if result.Error != nil {
		return errors.Wrap(result.Error, "GormRepository.UpdateForm")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) DeleteForm(ctx context.Context, formID uint) error {
	result := r.getDB(ctx).Delete(&models.Form{}, formID)
	if result.Error != nil {
		return errors.Wrap(result.Error, "GormRepository.DeleteForm")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) FindField(ctx context.Context, fieldID uint) (*models.FormField, error) {
	var field models.FormField
	if err := r.getDB(ctx).First(&field, fieldID).Error; err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "GormRepository.FindField")
	}
	field.Key = fieldKey(field.ID)
	return &field, nil
}

func (r *GormRepository) CreateField(ctx context.Context, field *models.FormField) error {
	if err := r.getDB(ctx).Create(field).Error; err != nil {
		return errors.Wrap(err, "GormRepository.CreateField")
	}
	field.Key = fieldKey(field.ID)
	return nil
}

func (r *GormRepository) UpdateField(ctx context.Context, field *models.FormField) error {
	result := r.getDB(ctx).Model(&models.FormField{}).Where("id = ?", field.ID).Updates(map[string]interface{}{
		"label":       field.Label,
		"type":        field.Type,
		"required":    field.Required,
		"position":    field.Order,
		"placeholder": field.Placeholder,
		"options":     field.Options,
	})
	if result.Error != nil {
		return errors.Wrap(result.Error, "GormRepository.UpdateField")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	field.Key = fieldKey(field.ID)
	return nil
}

func (r *GormRepository) DeleteField(ctx context.Context, fieldID uint) error {
	result := r.getDB(ctx).Delete(&models.FormField{}, fieldID)
	if result.Error != nil {
		return errors.Wrap(result.Error, "GormRepository.DeleteField")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceFields deletes the current fields, and with them any submission
// values recorded against them, before inserting the new list.
func (r *GormRepository) ReplaceFields(ctx context.Context, formID uint, fields []models.FormField) ([]models.FormField, error) {
	created := make([]models.FormField, len(fields))
	err := r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("form_id = ?", formID).Delete(&models.FormField{}).Error; err != nil {
			return err
		}
		for i, f := range fields {
			f.ID = 0
			f.FormID = formID
			if err := tx.Create(&f).Error; err != nil {
				return err
			}
			f.Key = fieldKey(f.ID)
			created[i] = f
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "GormRepository.ReplaceFields")
	}
	return created, nil
}

func (r *GormRepository) ListSubmissions(ctx context.Context, formID uint) ([]models.FormSubmission, error) {
	var submissions []models.FormSubmission
	err := r.getDB(ctx).
		Where("form_id = ?", formID).
		Preload("Values", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Values.Field").
		Order("submitted_at DESC").
		Order("id DESC").
		Find(&submissions).Error
	if err != nil {
		return nil, errors.Wrap(err, "GormRepository.ListSubmissions")
	}
	for i := range submissions {
		for j := range submissions[i].Values {
			v := &submissions[i].Values[j]
			v.FieldKey = fieldKey(v.FieldID)
			if v.Field != nil {
				v.Field.Key = v.FieldKey
			}
		}
	}
	return submissions, nil
}

func (r *GormRepository) FindSubmission(ctx context.Context, submissionID uint) (*models.FormSubmission, error) {
	var submission models.FormSubmission
	if err := r.getDB(ctx).First(&submission, submissionID).Error; err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "GormRepository.FindSubmission")
	}
	return &submission, nil
}

func (r *GormRepository) CreateSubmission(ctx context.Context, submission *models.FormSubmission) error {
	err := r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(submission).Error; err != nil {
			return err
		}
		if len(submission.Values) == 0 {
			return nil
		}
		for i := range submission.Values {
			submission.Values[i].SubmissionID = submission.ID
		}
		return tx.Omit(clause.Associations).Create(&submission.Values).Error
	})
	if err != nil {
		return errors.Wrap(err, "GormRepository.CreateSubmission")
	}
	return nil
}

func (r *GormRepository) DeleteSubmission(ctx context.Context, submissionID uint) error {
	result := r.getDB(ctx).Delete(&models.FormSubmission{}, submissionID)
	if result.Error != nil {
		return errors.Wrap(result.Error, "GormRepository.DeleteSubmission")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

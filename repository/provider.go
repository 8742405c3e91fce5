package repository

import (
	"context"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"formflip/models"
	"formflip/normalize"
	"formflip/provider"
	"formflip/schema"
)

const listConcurrency = 4

// ProviderRepository keeps field definitions and submissions in the external
// forms provider. Locally it stores the slug mapping, the published flag and
// the field id allocator; name and description live remotely.
//
// Field ids are ProviderFieldKey rows and every schema written here uses the
// stable key field_<id>. Field order is the property order of the stored
// schema, so after a write orders read back as 0..n-1.
type ProviderRepository struct {
	db     *gorm.DB
	client *provider.Client
	logger *zap.Logger
}

func NewProviderRepository(db *gorm.DB, client *provider.Client, logger *zap.Logger) *ProviderRepository {
	return &ProviderRepository{db: db, client: client, logger: logger}
}

func (r *ProviderRepository) getDB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func remoteErr(err error, msg string) error {
	if errors.Is(err, provider.ErrNotFound) {
		return ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (r *ProviderRepository) mapping(ctx context.Context, query string, arg any) (*models.ProviderForm, error) {
	var pf models.ProviderForm
	if err := r.getDB(ctx).Where(query, arg).First(&pf).Error; err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "ProviderRepository.mapping")
	}
	return &pf, nil
}

// load combines the local mapping with the remote form.
func (r *ProviderRepository) load(ctx context.Context, pf *models.ProviderForm) (*models.Form, *provider.Form, error) {
	remote, err := r.client.GetForm(ctx, pf.ExternalID)
	if err != nil {
		return nil, nil, remoteErr(err, "ProviderRepository.load")
	}

	form := &models.Form{
		ID:          pf.ID,
		UserID:      pf.UserID,
		Name:        remote.Name,
		Description: remote.Description,
		Slug:        pf.Slug,
		Published:   pf.Published,
		CreatedAt:   pf.CreatedAt,
		UpdatedAt:   pf.UpdatedAt,
		Fields:      schema.Decode(remote.Schema),
	}
	if remote.UpdatedAt.After(form.UpdatedAt) {
		form.UpdatedAt = remote.UpdatedAt
	}
	for i := range form.Fields {
		form.Fields[i].FormID = pf.ID
		if id, ok := schema.KeyID(form.Fields[i].Key); ok {
			form.Fields[i].ID = id
		}
	}
	return form, remote, nil
}

// writeFields stores the field list as the remote schema, keeping name and
// description as they are.
func (r *ProviderRepository) writeFields(ctx context.Context, pf *models.ProviderForm, remote *provider.Form, fields []models.FormField) error {
	doc := schema.Encode(fields, schema.WithStableKeys())
	_, err := r.client.UpdateForm(ctx, pf.ExternalID, provider.FormInput{
		Name:        remote.Name,
		Description: remote.Description,
		Schema:      provider.SchemaJSON(doc),
	})
	if err != nil {
		return remoteErr(err, "ProviderRepository.writeFields")
	}
	return nil
}

func (r *ProviderRepository) ListForms(ctx context.Context, userID int) ([]models.FormSummary, error) {
	var mappings []models.ProviderForm
	err := r.getDB(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&mappings).Error
	if err != nil {
		return nil, errors.Wrap(err, "ProviderRepository.ListForms")
	}

	summaries := make([]models.FormSummary, len(mappings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i := range mappings {
		g.Go(func() error {
			pf := &mappings[i]
			form, _, err := r.load(gctx, pf)
			if err != nil {
				return err
			}
			subs, err := r.client.ListSubmissions(gctx, pf.ExternalID)
			if err != nil {
				return remoteErr(err, "ProviderRepository.ListForms")
			}
			summaries[i] = models.FormSummary{
				Form:            *form,
				FieldCount:      len(form.Fields),
				SubmissionCount: int64(len(subs)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (r *ProviderRepository) FindForm(ctx context.Context, formID uint) (*models.Form, error) {
	pf, err := r.mapping(ctx, "id = ?", formID)
	if err != nil {
		return nil, err
	}
	form, _, err := r.load(ctx, pf)
	return form, err
}

func (r *ProviderRepository) FindFormBySlug(ctx context.Context, slug string) (*models.Form, error) {
	pf, err := r.mapping(ctx, "slug = ?", slug)
	if err != nil {
		return nil, err
	}
	form, _, err := r.load(ctx, pf)
	return form, err
}

func (r *ProviderRepository) CreateForm(ctx context.Context, form *models.Form) error {
	var taken int64
	if err := r.getDB(ctx).Model(&models.ProviderForm{}).Where("slug = ?", form.Slug).Count(&taken).Error; err != nil {
		return errors.Wrap(err, "ProviderRepository.CreateForm")
	}
	if taken > 0 {
		return ErrSlugTaken
	}

	remote, err := r.client.CreateForm(ctx, provider.FormInput{
		Name:        form.Name,
		Description: form.Description,
		Schema:      provider.SchemaJSON(schema.Encode(nil)),
	})
	if err != nil {
		return remoteErr(err, "ProviderRepository.CreateForm")
	}

	pf := &models.ProviderForm{
		UserID:     form.UserID,
		ExternalID: remote.ID,
		Slug:       form.Slug,
		Published:  form.Published,
	}
	if err := r.getDB(ctx).Omit("FieldKeys").Create(pf).Error; err != nil {
		// the remote form has no local owner, remove it
		if derr := r.client.DeleteForm(ctx, remote.ID); derr != nil {
			r.logger.Error("failed to remove orphaned provider form",
				zap.String("external_id", remote.ID), zap.Error(derr))
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSlugTaken
		}
		return errors.Wrap(err, "ProviderRepository.CreateForm")
	}

	form.ID = pf.ID
	form.CreatedAt = pf.CreatedAt
	form.UpdatedAt = pf.UpdatedAt
	form.Fields = []models.FormField{}
	return nil
}

func (r *ProviderRepository) UpdateForm(ctx context.Context, form *models.Form) error {
	pf, err := r.mapping(ctx, "id = ?", form.ID)
	if err != nil {
		return err
	}
	remote, err := r.client.GetForm(ctx, pf.ExternalID)
	if err != nil {
		return remoteErr(err, "ProviderRepository.UpdateForm")
	}

	if remote.Name != form.Name || !sameText(remote.Description, form.Description) {
		_, err = r.client.UpdateForm(ctx, pf.ExternalID, provider.FormInput{
			Name:        form.Name,
			Description: form.Description,
			Schema:      remote.Schema,
		})
		if err != nil {
			return remoteErr(err, "ProviderRepository.UpdateForm")
		}
	}

	err = r.getDB(ctx).Model(pf).Update("published", form.Published).Error
	if err != nil {
		return errors.Wrap(err, "ProviderRepository.UpdateForm")
	}
	return nil
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *ProviderRepository) DeleteForm(ctx context.Context, formID uint) error {
	pf, err := r.mapping(ctx, "id = ?", formID)
	if err != nil {
		return err
	}
	if err := r.client.DeleteForm(ctx, pf.ExternalID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		return errors.Wrap(err, "ProviderRepository.DeleteForm")
	}
	if err := r.getDB(ctx).Delete(pf).Error; err != nil {
		return errors.Wrap(err, "ProviderRepository.DeleteForm")
	}
	return nil
}

// PurgeUser deletes every remote form of a user. The local mapping rows go
// with the user row through its cascade.
func (r *ProviderRepository) PurgeUser(ctx context.Context, userID int) error {
	var mappings []models.ProviderForm
	if err := r.getDB(ctx).Where("user_id = ?", userID).Find(&mappings).Error; err != nil {
		return errors.Wrap(err, "ProviderRepository.PurgeUser")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for _, pf := range mappings {
		g.Go(func() error {
			if err := r.client.DeleteForm(gctx, pf.ExternalID); err != nil && !errors.Is(err, provider.ErrNotFound) {
				return errors.Wrap(err, "ProviderRepository.PurgeUser")
			}
			return nil
		})
	}
	return g.Wait()
}

// fieldForm resolves the form a field id was allocated for.
func (r *ProviderRepository) fieldForm(ctx context.Context, fieldID uint) (*models.ProviderForm, error) {
	var key models.ProviderFieldKey
	if err := r.getDB(ctx).First(&key, fieldID).Error; err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "ProviderRepository.fieldForm")
	}
	return r.mapping(ctx, "id = ?", key.ProviderFormID)
}

func fieldIndex(fields []models.FormField, fieldID uint) int {
	return slices.IndexFunc(fields, func(f models.FormField) bool { return f.ID == fieldID })
}

func (r *ProviderRepository) FindField(ctx context.Context, fieldID uint) (*models.FormField, error) {
	pf, err := r.fieldForm(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	form, _, err := r.load(ctx, pf)
	if err != nil {
		return nil, err
	}
	i := fieldIndex(form.Fields, fieldID)
	if i < 0 {
		return nil, ErrNotFound
	}
	field := form.Fields[i]
	return &field, nil
}

func (r *ProviderRepository) CreateField(ctx context.Context, field *models.FormField) error {
	pf, err := r.mapping(ctx, "id = ?", field.FormID)
	if err != nil {
		return err
	}
	form, remote, err := r.load(ctx, pf)
	if err != nil {
		return err
	}

	return r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		key := models.ProviderFieldKey{ProviderFormID: pf.ID}
		if err := tx.Create(&key).Error; err != nil {
			return errors.Wrap(err, "ProviderRepository.CreateField")
		}
		field.ID = key.ID
		field.Key = schema.Key(key.ID)
		return r.writeFields(ctx, pf, remote, append(form.Fields, *field))
	})
}

func (r *ProviderRepository) UpdateField(ctx context.Context, field *models.FormField) error {
	pf, err := r.fieldForm(ctx, field.ID)
	if err != nil {
		return err
	}
	form, remote, err := r.load(ctx, pf)
	if err != nil {
		return err
	}
	i := fieldIndex(form.Fields, field.ID)
	if i < 0 {
		return ErrNotFound
	}
	field.Key = schema.Key(field.ID)
	form.Fields[i] = *field
	return r.writeFields(ctx, pf, remote, form.Fields)
}

func (r *ProviderRepository) DeleteField(ctx context.Context, fieldID uint) error {
	pf, err := r.fieldForm(ctx, fieldID)
	if err != nil {
		return err
	}
	form, remote, err := r.load(ctx, pf)
	if err != nil {
		return err
	}
	i := fieldIndex(form.Fields, fieldID)
	if i < 0 {
		return ErrNotFound
	}
	fields := slices.Delete(form.Fields, i, i+1)

	return r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ProviderFieldKey{}, fieldID).Error; err != nil {
			return errors.Wrap(err, "ProviderRepository.DeleteField")
		}
		return r.writeFields(ctx, pf, remote, fields)
	})
}

func (r *ProviderRepository) ReplaceFields(ctx context.Context, formID uint, fields []models.FormField) ([]models.FormField, error) {
	pf, err := r.mapping(ctx, "id = ?", formID)
	if err != nil {
		return nil, err
	}
	_, remote, err := r.load(ctx, pf)
	if err != nil {
		return nil, err
	}

	created := make([]models.FormField, len(fields))
	err = r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_form_id = ?", pf.ID).Delete(&models.ProviderFieldKey{}).Error; err != nil {
			return errors.Wrap(err, "ProviderRepository.ReplaceFields")
		}
		for i, f := range fields {
			key := models.ProviderFieldKey{ProviderFormID: pf.ID}
			if err := tx.Create(&key).Error; err != nil {
				return errors.Wrap(err, "ProviderRepository.ReplaceFields")
			}
			f.ID = key.ID
			f.FormID = pf.ID
			f.Key = schema.Key(key.ID)
			created[i] = f
		}
		return r.writeFields(ctx, pf, remote, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *ProviderRepository) ListSubmissions(ctx context.Context, formID uint) ([]models.FormSubmission, error) {
	pf, err := r.mapping(ctx, "id = ?", formID)
	if err != nil {
		return nil, err
	}

	var (
		form    *models.Form
		remotes []provider.Submission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		form, _, err = r.load(gctx, pf)
		return err
	})
	g.Go(func() error {
		var err error
		remotes, err = r.client.ListSubmissions(gctx, pf.ExternalID)
		if err != nil {
			return remoteErr(err, "ProviderRepository.ListSubmissions")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	submissions := make([]models.FormSubmission, 0, len(remotes))
	for _, s := range remotes {
		submissions = append(submissions, toSubmission(pf.ID, form.Fields, s))
	}
	sort.SliceStable(submissions, func(i, j int) bool {
		return submissions[i].SubmittedAt.After(submissions[j].SubmittedAt)
	})
	return submissions, nil
}

// toSubmission orders values by the current field order. Data under keys that
// no longer match a field is kept at the end, sorted by key.
func toSubmission(formID uint, fields []models.FormField, s provider.Submission) models.FormSubmission {
	sub := models.FormSubmission{
		ID:          uint(s.ID),
		FormID:      formID,
		SubmittedAt: s.CreatedAt,
		Values:      []models.FormSubmissionValue{},
	}

	seen := make(map[string]bool, len(s.Data))
	for i := range fields {
		f := fields[i]
		v, ok := s.Data[f.Key]
		if !ok {
			continue
		}
		seen[f.Key] = true
		sub.Values = append(sub.Values, models.FormSubmissionValue{
			SubmissionID: sub.ID,
			FieldID:      f.ID,
			Value:        provider.Text(v),
			Field:        &f,
			FieldKey:     f.Key,
		})
	}

	var orphaned []string
	for k := range s.Data {
		if !seen[k] {
			orphaned = append(orphaned, k)
		}
	}
	sort.Strings(orphaned)
	for _, k := range orphaned {
		id, _ := schema.KeyID(k)
		sub.Values = append(sub.Values, models.FormSubmissionValue{
			SubmissionID: sub.ID,
			FieldID:      id,
			Value:        provider.Text(s.Data[k]),
			FieldKey:     k,
		})
	}
	return sub
}

func (r *ProviderRepository) FindSubmission(ctx context.Context, submissionID uint) (*models.FormSubmission, error) {
	remote, err := r.client.GetSubmission(ctx, int64(submissionID))
	if err != nil {
		return nil, remoteErr(err, "ProviderRepository.FindSubmission")
	}
	pf, err := r.mapping(ctx, "external_id = ?", remote.FormID)
	if err != nil {
		return nil, err
	}
	return &models.FormSubmission{
		ID:          uint(remote.ID),
		FormID:      pf.ID,
		SubmittedAt: remote.CreatedAt,
	}, nil
}

// CreateSubmission sends the values as typed data: booleans and numbers are
// restored from their stored text using the field type.
func (r *ProviderRepository) CreateSubmission(ctx context.Context, submission *models.FormSubmission) error {
	pf, err := r.mapping(ctx, "id = ?", submission.FormID)
	if err != nil {
		return err
	}
	form, _, err := r.load(ctx, pf)
	if err != nil {
		return err
	}

	types := make(map[string]models.FieldType, len(form.Fields))
	for _, f := range form.Fields {
		types[f.Key] = f.Type
	}
	data := make(map[string]any, len(submission.Values))
	for _, v := range submission.Values {
		key := v.FieldKey
		if key == "" {
			key = schema.Key(v.FieldID)
		}
		data[key] = normalize.Coerce(string(types[key]), v.Value).Any()
	}

	remote, err := r.client.CreateSubmission(ctx, pf.ExternalID, data)
	if err != nil {
		return remoteErr(err, "ProviderRepository.CreateSubmission")
	}
	submission.ID = uint(remote.ID)
	submission.SubmittedAt = remote.CreatedAt
	for i := range submission.Values {
		submission.Values[i].SubmissionID = submission.ID
	}
	return nil
}

func (r *ProviderRepository) DeleteSubmission(ctx context.Context, submissionID uint) error {
	if err := r.client.DeleteSubmission(ctx, int64(submissionID)); err != nil {
		return remoteErr(err, "ProviderRepository.DeleteSubmission")
	}
	return nil
}

var _ FormRepository = (*ProviderRepository)(nil)
var _ FormRepository = (*GormRepository)(nil)

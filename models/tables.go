package models

import (
	"time"
)

type User struct {
	ID           int       `gorm:"primary_key;autoIncrement" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	Email        string    `gorm:"unique;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"` // json:"-" keeps the hash out of API responses
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Forms         []Form         `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	ProviderForms []ProviderForm `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

type Form struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	UserID      int       `gorm:"not null;index" json:"user_id"`
	Name        string    `gorm:"not null" json:"name"`
	Description *string   `gorm:"type:text" json:"description"`
	Slug        string    `gorm:"unique;not null;index" json:"slug"`
	Published   bool      `gorm:"not null;default:false;index" json:"published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Fields      []FormField      `gorm:"foreignKey:FormID;constraint:OnDelete:CASCADE" json:"fields"`
	Submissions []FormSubmission `gorm:"foreignKey:FormID;constraint:OnDelete:CASCADE" json:"-"`
}

type FormField struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	FormID      uint      `gorm:"not null;index" json:"form_id"`
	Label       string    `gorm:"not null" json:"label"`
	Type        FieldType `gorm:"type:varchar(16);not null;default:'text'" json:"type"`
	Required    bool      `gorm:"not null;default:false" json:"required"`
	Order       int       `gorm:"column:position;not null;default:0;index" json:"order"`
	Placeholder *string   `gorm:"type:text" json:"placeholder"`
	Options     Options   `gorm:"type:text" json:"options"` // select only
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Key names the field in submission payloads. It is filled in by the
	// repository that loaded the field and is never persisted.
	Key string `gorm:"-" json:"key"`
}

type FormSubmission struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	FormID      uint      `gorm:"not null;index" json:"form_id"`
	SubmittedAt time.Time `gorm:"not null;index" json:"submitted_at"`

	Values []FormSubmissionValue `gorm:"foreignKey:SubmissionID;constraint:OnDelete:CASCADE" json:"values"`
}

type FormSubmissionValue struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	SubmissionID uint   `gorm:"not null;index" json:"submission_id"`
	FieldID      uint   `gorm:"not null;index" json:"field_id"`
	Value        string `gorm:"type:text;not null" json:"value"`

	Field    *FormField `gorm:"foreignKey:FieldID;constraint:OnDelete:CASCADE" json:"field,omitempty"`
	FieldKey string     `gorm:"-" json:"field_key"`
}

// ProviderForm maps a local form id and slug to a form stored by the external
// forms provider. Field definitions and submissions live remotely.
type ProviderForm struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	UserID     int       `gorm:"not null;index" json:"user_id"`
	ExternalID string    `gorm:"unique;not null" json:"external_id"`
	Slug       string    `gorm:"unique;not null;index" json:"slug"`
	Published  bool      `gorm:"not null;default:false" json:"published"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	FieldKeys []ProviderFieldKey `gorm:"foreignKey:ProviderFormID;constraint:OnDelete:CASCADE" json:"-"`
}

// ProviderFieldKey allocates field ids for provider-backed forms so each field
// keeps the schema key field_<id> across reorders.
type ProviderFieldKey struct {
	ID             uint `gorm:"primary_key"`
	ProviderFormID uint `gorm:"not null;index"`
}

// FormSummary is a form as listed on the owner dashboard.
type FormSummary struct {
	Form
	FieldCount      int   `json:"field_count"`
	SubmissionCount int64 `json:"submission_count"`
}

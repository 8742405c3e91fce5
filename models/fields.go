package models

import (
	"database/sql/driver"
	"fmt"

	"formflip/normalize"
)

type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldNumber   FieldType = "number"
	FieldTextarea FieldType = "textarea"
	FieldCheckbox FieldType = "checkbox"
	FieldSelect   FieldType = "select"
)

var fieldTypes = []FieldType{FieldText, FieldEmail, FieldNumber, FieldTextarea, FieldCheckbox, FieldSelect}

// FieldTypes lists every supported field type in display order.
func FieldTypes() []FieldType {
	out := make([]FieldType, len(fieldTypes))
	copy(out, fieldTypes)
	return out
}

func (t FieldType) Valid() bool {
	for _, ft := range fieldTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// Options is the choice list of a select field. In the database it is a JSON
// array stored as text; unreadable column content scans as no options.
type Options []string

func (o Options) Value() (driver.Value, error) {
	if len(o) == 0 {
		return nil, nil
	}
	return normalize.FormatOptions(o), nil
}

func (o *Options) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*o = nil
	case string:
		*o = normalize.ParseOptions(v)
	case []byte:
		*o = normalize.ParseOptions(string(v))
	default:
		return fmt.Errorf("options: unsupported column type %T", src)
	}
	return nil
}

package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/model"
)

const (
	// Size limits
	MaxKeySize       = 4 * 1024         // 4 KB
	MaxValueSize     = 16 * 1024 * 1024 // 16 MB
	MaxTableNameSize = 128
	MaxFieldNameSize = 256
	MaxBatchSize     = 100000
)

// Validator validates entities, table names and field names
type Validator struct {
	maxKeySize   int
	maxValueSize int
	maxBatchSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
		maxBatchSize: MaxBatchSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize, maxBatchSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
		maxBatchSize: maxBatchSize,
	}
}

// ValidateBatch validates every entity of an upsert batch
func (v *Validator) ValidateBatch(entities []model.Entity) error {
	if err := v.ValidateBatchSize(len(entities)); err != nil {
		return err
	}
	for _, e := range entities {
		if err := v.ValidateEntity(e); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBatchSize checks the number of entities in one request
func (v *Validator) ValidateBatchSize(n int) error {
	if n > v.maxBatchSize {
		return errors.InvalidArgument(fmt.Sprintf("batch of %d entities exceeds maximum %d", n, v.maxBatchSize), nil).
			WithDetail("size", n).
			WithDetail("max_size", v.maxBatchSize)
	}
	return nil
}

// ValidateEntity validates an entity about to be written
func (v *Validator) ValidateEntity(e model.Entity) error {
	if err := v.ValidateKey(e.Key); err != nil {
		return err
	}
	return v.ValidateValue(e.Key, e.Value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates a value. Absent values are rejected; empty ones are fine.
func (v *Validator) ValidateValue(key, value []byte) error {
	if value == nil {
		return errors.InvalidValue(key)
	}
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateRowKey validates the caller-visible key of a table row
func (v *Validator) ValidateRowKey(key []byte) error {
	if len(key) == 0 {
		return errors.InvalidArgument("row key cannot be empty", nil)
	}
	return v.ValidateKey(key)
}

// ValidateTableName validates a table name
func (v *Validator) ValidateTableName(name string) error {
	if name == "" {
		return errors.InvalidName("table", name, "table name cannot be empty")
	}
	if len(name) > MaxTableNameSize {
		return errors.InvalidName("table", name, fmt.Sprintf("table name exceeds maximum size of %d bytes", MaxTableNameSize))
	}

	// The zero byte separates the table name from the row key.
	if strings.Contains(name, "\x00") {
		return errors.InvalidName("table", name, "table name cannot contain null bytes")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidName("table", name, "table name cannot contain control characters")
		}
	}
	return nil
}

// ValidateFieldName validates a record field name
func (v *Validator) ValidateFieldName(name string) error {
	if name == "" {
		return errors.InvalidName("field", name, "field name cannot be empty")
	}
	if len(name) > MaxFieldNameSize {
		return errors.InvalidName("field", name, fmt.Sprintf("field name exceeds maximum size of %d bytes", MaxFieldNameSize))
	}
	if strings.Contains(name, "\x00") {
		return errors.InvalidName("field", name, "field name cannot contain null bytes")
	}
	return nil
}

package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
)

const (
	// Size limits
	MaxTableSize    = 256
	MaxKeySize      = 1024
	MaxParticleSize = 4096

	// MaxBulkGet bounds the objects read by one BulkGet call
	MaxBulkGet = 1000
)

// Validator validates transaction arguments
type Validator struct {
	maxTableSize    int
	maxKeySize      int
	maxParticleSize int
	maxBulkGet      int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxTableSize:    MaxTableSize,
		maxKeySize:      MaxKeySize,
		maxParticleSize: MaxParticleSize,
		maxBulkGet:      MaxBulkGet,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxTableSize, maxKeySize, maxParticleSize, maxBulkGet int) *Validator {
	return &Validator{
		maxTableSize:    maxTableSize,
		maxKeySize:      maxKeySize,
		maxParticleSize: maxParticleSize,
		maxBulkGet:      maxBulkGet,
	}
}

// ValidateObjectID validates the table and key of an object id
func (v *Validator) ValidateObjectID(id model.ObjectID) error {
	if id.Table == "" {
		return scouterrors.InvalidArgument("table cannot be empty", nil)
	}
	if len(id.Table) > v.maxTableSize {
		return scouterrors.InvalidArgument(fmt.Sprintf("table exceeds maximum size of %d bytes", v.maxTableSize), nil)
	}
	// ':' separates table and key in the printed form
	if strings.Contains(id.Table, ":") {
		return scouterrors.InvalidArgument("table cannot contain ':' character", nil).
			WithDetail("table", id.Table)
	}
	if err := checkPrintable("table", id.Table); err != nil {
		return err
	}

	if id.Key == "" {
		return scouterrors.InvalidArgument("key cannot be empty", nil)
	}
	if len(id.Key) > v.maxKeySize {
		return scouterrors.InvalidArgument(fmt.Sprintf("key exceeds maximum size of %d bytes", v.maxKeySize), nil)
	}
	return checkPrintable("key", id.Key)
}

// ValidateKind checks that kind names a registered CRDT type
func (v *Validator) ValidateKind(kind crdt.Kind) error {
	for _, k := range crdt.Kinds() {
		if k == kind {
			return nil
		}
	}
	return scouterrors.InvalidArgument(fmt.Sprintf("unknown object kind %q", kind), nil)
}

// ValidateParticles validates the particles an update touches
func (v *Validator) ValidateParticles(particles []string) error {
	for _, p := range particles {
		if len(p) > v.maxParticleSize {
			return scouterrors.InvalidArgument(fmt.Sprintf("element exceeds maximum size of %d bytes", v.maxParticleSize), nil)
		}
		if strings.Contains(p, "\x00") {
			return scouterrors.InvalidArgument("element cannot contain null bytes", nil)
		}
	}
	return nil
}

// ValidateBulkGet bounds the size of a bulk read
func (v *Validator) ValidateBulkGet(n int) error {
	if n > v.maxBulkGet {
		return scouterrors.InvalidArgument(fmt.Sprintf("bulk get of %d objects exceeds the limit of %d", n, v.maxBulkGet), nil)
	}
	return nil
}

func checkPrintable(field, s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return scouterrors.InvalidArgument(field+" cannot contain control characters", nil)
		}
	}
	return nil
}

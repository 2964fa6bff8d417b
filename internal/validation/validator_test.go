package validation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/validation"
)

func TestValidateObjectID(t *testing.T) {
	v := validation.NewValidator()
	tests := []struct {
		name    string
		id      model.ObjectID
		wantErr bool
	}{
		{name: "valid", id: model.NewObjectID("items", "list-1")},
		{name: "empty table", id: model.NewObjectID("", "k"), wantErr: true},
		{name: "empty key", id: model.NewObjectID("t", ""), wantErr: true},
		{name: "colon in table", id: model.NewObjectID("a:b", "k"), wantErr: true},
		{name: "colon in key is fine", id: model.NewObjectID("t", "a:b")},
		{name: "control character", id: model.NewObjectID("t", "a\x01"), wantErr: true},
		{name: "key too large", id: model.NewObjectID("t", strings.Repeat("k", validation.MaxKeySize+1)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateObjectID(tt.id)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))
		})
	}
}

func TestValidateKindAndParticles(t *testing.T) {
	v := validation.NewValidatorWithLimits(8, 8, 4, 2)

	assert.NoError(t, v.ValidateKind(crdt.KindAddWinsSet))
	assert.Error(t, v.ValidateKind("g-counter"))

	assert.NoError(t, v.ValidateParticles(nil))
	assert.NoError(t, v.ValidateParticles([]string{"abcd"}))
	assert.Error(t, v.ValidateParticles([]string{"abcde"}))
	assert.Error(t, v.ValidateParticles([]string{"a\x00"}))

	assert.NoError(t, v.ValidateBulkGet(2))
	assert.Error(t, v.ValidateBulkGet(3))
}

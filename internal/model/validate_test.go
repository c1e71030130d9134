package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Valid(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate(ObservationInput{
		CampaignID:        "2026-Q1",
		AssetCode:         "A-123",
		Status:            "confirmed",
		FoundLocationRoom: "B-204",
	})
	assert.NoError(t, err)
}

func TestValidator_Rejects(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    ObservationInput
		field string
	}{
		{
			name:  "missing status",
			in:    ObservationInput{CampaignID: "c1", AssetCode: "A-1"},
			field: "status",
		},
		{
			name:  "unknown status",
			in:    ObservationInput{CampaignID: "c1", AssetCode: "A-1", Status: "lost"},
			field: "status",
		},
		{
			name:  "missing campaign",
			in:    ObservationInput{AssetCode: "A-1", Status: "confirmed"},
			field: "campaign_id",
		},
		{
			name:  "missing asset code",
			in:    ObservationInput{CampaignID: "c1", Status: "confirmed"},
			field: "asset_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidator_PhotoBytesIgnored(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate(ObservationInput{
		CampaignID: "c1",
		AssetCode:  "A-1",
		Status:     "unlabeled",
		Photo:      []byte{0xff, 0xd8, 0xff},
	})
	assert.NoError(t, err)
}

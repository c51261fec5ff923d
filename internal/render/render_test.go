package render

import (
	"testing"
	"time"

	"marketalerts/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderResolvesPlaceholders(t *testing.T) {
	tpl := &models.Template{
		EventType: "alert.price.above",
		Subject:   "{{assetId}} crossed above {{threshold}}",
		Body:      "{{assetId}} is now {{currentValue}}, above your {{threshold}} alert level.",
	}
	event := &models.AlertTriggeredEvent{
		EventID:       "evt-1",
		AlertID:       "alert-1",
		AssetID:       "BTC-USD",
		EventType:     "alert.price.above",
		CurrentValue:  8150,
		PreviousValue: 7900,
		Threshold:     8000,
		OccurredAt:    time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}

	got, err := Render(tpl, Metadata(event))
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD crossed above 8000", got.Subject)
	assert.Equal(t, "BTC-USD is now 8150, above your 8000 alert level.", got.Body)
}

func TestRenderToleratesWhitespaceInPlaceholders(t *testing.T) {
	tpl := &models.Template{Subject: "{{ assetId }} at {{  currentValue }}", Body: "x"}

	got, err := Render(tpl, map[string]string{"assetId": "ETH-USD", "currentValue": "1900.5"})
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD at 1900.5", got.Subject)
}

func TestRenderFailsOnUnresolvedPlaceholder(t *testing.T) {
	tpl := &models.Template{
		EventType: "alert.price.above",
		Subject:   "{{assetId}} hit {{nonexistent}}",
		Body:      "ok",
	}

	_, err := Render(tpl, map[string]string{"assetId": "BTC-USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestMetadataIncludesComputedValueWhenDerivable(t *testing.T) {
	event := &models.AlertTriggeredEvent{
		EventID:       "evt-1",
		AlertID:       "alert-1",
		AssetID:       "BTC-USD",
		EventType:     "alert.pct_change.up",
		CurrentValue:  8200,
		PreviousValue: 8000,
		Threshold:     2,
		OccurredAt:    time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}

	data := Metadata(event)
	assert.Equal(t, "2.5", data["computedValue"])
	assert.Equal(t, "8200", data["currentValue"])
	assert.Equal(t, "2026-03-10 14:30:00", data["occurredAt"])

	event.PreviousValue = 0
	_, ok := Metadata(event)["computedValue"]
	assert.False(t, ok)
}

func TestFormatValueTrimsTrailingZeros(t *testing.T) {
	cases := map[float64]string{
		8150:    "8150",
		8150.5:  "8150.5",
		81.5017: "81.5017",
		0:       "0",
		-2.5:    "-2.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatValue(in))
	}
}

package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/integrations"
)

const quotes = `external_ref,customer_id,address,service_type,day,priority,quote_amount,crew_size,preferred_start,lat,lng,weather_sensitive
Q-1,C-1,12 Oak St,house_washing,2024-06-03,high,450.50,2,2024-06-03T10:00:00Z,40.71,-74.00,true
Q-2,C-2,9 Elm Rd,roof_cleaning,2024-06-03,,,,,,,
Q-3,C-3,,window_cleaning,2024-06-03
Q-4,C-4,1 Pine Ave,estimate,2024-06-04,low,abc
`

func TestParse(t *testing.T) {
	batch, err := Parse(strings.NewReader(quotes))
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 2)

	q1 := batch.Jobs[0]
	assert.Equal(t, "Q-1", q1.ExternalRef)
	assert.Equal(t, "high", q1.Priority)
	assert.InDelta(t, 450.50, q1.QuoteAmount, 1e-9)
	assert.Equal(t, 2, q1.CrewSize)
	require.NotNil(t, q1.PreferredStart)
	assert.Equal(t, 10, q1.PreferredStart.Hour())
	require.NotNil(t, q1.Location)
	assert.InDelta(t, -74.00, q1.Location.Lng, 1e-9)
	require.NotNil(t, q1.WeatherSensitive)
	assert.True(t, *q1.WeatherSensitive)

	q2 := batch.Jobs[1]
	assert.Nil(t, q2.Location)
	assert.Nil(t, q2.WeatherSensitive)
	assert.Zero(t, q2.CrewSize)

	require.Len(t, batch.Errors, 2)
	assert.Contains(t, batch.Errors[0], "line 4: address is empty")
	assert.Contains(t, batch.Errors[1], "quote_amount")
}

func TestParseRejectsMissingColumns(t *testing.T) {
	_, err := Parse(strings.NewReader("external_ref,address\nQ-1,x\n"))
	assert.ErrorContains(t, err, "customer_id")
}

func TestAdapterSkipsAcked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotes.csv")
	require.NoError(t, os.WriteFile(path, []byte(quotes), 0o600))
	var src integrations.QuoteSource = New(path)

	batch, err := src.FetchApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 2)
	require.NoError(t, src.Ack(context.Background(), []string{"Q-1"}))

	batch, err = src.FetchApproved(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 1)
	assert.Equal(t, "Q-2", batch.Jobs[0].ExternalRef)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, integrations.StatusCompleted, integrations.MapStatus("job.completed"))
	assert.Equal(t, integrations.StatusRescheduledWeather, integrations.MapStatus("job.rescheduled"))
	assert.Empty(t, integrations.MapStatus("routes.planned"))
}

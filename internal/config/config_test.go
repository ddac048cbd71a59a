package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averos/backstop/internal/models"
)

const sampleTargets = `
targets:
  - id: orders-db
    kind: relational
    connection:
      host: postgres
      port: 5432
      user: trader
      database: orders
      container: stack-postgres-1
    cadence: "0 4 * * *"
    retention: 720h
  - id: quote-cache
    kind: cache
    connection:
      host: redis
      port: 6379
    cadence: "30 4 * * *"
    retention: 168h
  - id: bad-cadence
    kind: time-series
    connection:
      host: influx
      port: 8086
    cadence: "whenever"
    retention: 720h
  - id: ticks
    kind: event-bus
    connection:
      url: nats://nats:4222
    cadence: "0 5 * * *"
    retention: not-a-duration
`

func TestParseTargets(t *testing.T) {
	targets, rejects, err := ParseTargets([]byte(sampleTargets))
	require.NoError(t, err)

	// orders-db and quote-cache load; the two malformed entries are rejected
	// without taking their siblings down.
	require.Len(t, targets, 2)
	assert.Equal(t, "orders-db", targets[0].ID)
	assert.Equal(t, models.StoreRelational, targets[0].Kind)
	assert.Equal(t, 30*24*time.Hour, targets[0].Retention)
	assert.Equal(t, "stack-postgres-1", targets[0].Conn.Container)
	assert.Equal(t, "quote-cache", targets[1].ID)

	require.Len(t, rejects, 2)
	for _, rej := range rejects {
		assert.ErrorIs(t, rej, models.ErrConfiguration)
	}
}

func TestParseTargetsDuplicateID(t *testing.T) {
	doc := `
targets:
  - {id: a, kind: cache, cadence: "* * * * *", retention: 1h}
  - {id: a, kind: cache, cadence: "* * * * *", retention: 1h}
`
	targets, rejects, err := ParseTargets([]byte(doc))
	require.NoError(t, err)
	assert.Len(t, targets, 1)
	require.Len(t, rejects, 1)
	assert.ErrorIs(t, rejects[0], models.ErrConfiguration)
}

func TestParseTargetsMalformedDocument(t *testing.T) {
	_, _, err := ParseTargets([]byte("targets: ["))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

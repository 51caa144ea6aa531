package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploitwatch/internal/incident"
)

type fakeStream struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1-0", nil)
}

func sample(hash string, amount *decimal.Decimal) incident.Incident {
	inc := incident.Incident{
		ContentHash: hash,
		Chain:       "ethereum",
		Protocol:    "Euler",
		OccurredAt:  time.Date(2023, 3, 13, 8, 50, 0, 0, time.UTC),
		SourceName:  "defillama",
	}
	if amount != nil {
		inc.AmountUSD = decimal.NewNullDecimal(*amount)
	}
	return inc
}

func TestRedisStreamPublish(t *testing.T) {
	fake := &fakeStream{}
	sink := NewRedisStream(fake, "incidents", 0, zerolog.Nop())
	amount := decimal.RequireFromString("197000000")

	err := sink.Publish(context.Background(), slices.Values([]incident.Incident{
		sample("h1", &amount),
		sample("h2", nil),
	}))
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)

	first := fake.calls[0]
	assert.Equal(t, "incidents", first.Stream)
	assert.Equal(t, defaultMaxLen, first.MaxLen)
	assert.True(t, first.Approx)
	assert.Equal(t, "h1", first.Values.(map[string]any)["content_hash"])

	var ev Event
	require.NoError(t, json.Unmarshal(first.Values.(map[string]any)["payload"].([]byte), &ev))
	require.NotNil(t, ev.AmountUSD)
	assert.Equal(t, "197000000", *ev.AmountUSD)

	require.NoError(t, json.Unmarshal(fake.calls[1].Values.(map[string]any)["payload"].([]byte), &ev))
	assert.Nil(t, ev.AmountUSD)
}

func TestRedisStreamStopsOnError(t *testing.T) {
	fake := &fakeStream{err: errors.New("connection reset")}
	sink := NewRedisStream(fake, "incidents", 50, zerolog.Nop())

	err := sink.Publish(context.Background(), slices.Values([]incident.Incident{sample("h1", nil), sample("h2", nil)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Len(t, fake.calls, 1)
	assert.Equal(t, int64(50), fake.calls[0].MaxLen)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(zerolog.New(&buf))
	amount := decimal.RequireFromString("1500000")

	require.NoError(t, sink.Publish(context.Background(), slices.Values([]incident.Incident{sample("h1", &amount)})))
	assert.Contains(t, buf.String(), `"hash":"h1"`)
	assert.Contains(t, buf.String(), `"amount_usd":"1500000"`)
	assert.Contains(t, buf.String(), `"message":"new incident"`)
}

package subsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestParseEventKind(t *testing.T) {
	for _, kind := range subsync.KnownKinds() {
		assert.Equal(t, kind, subsync.ParseEventKind(kind.String()))
	}
	assert.Equal(t, subsync.KindUnknown, subsync.ParseEventKind("customer.created"))
	assert.Equal(t, subsync.KindUnknown, subsync.ParseEventKind(""))
	assert.Len(t, subsync.KnownKinds(), 9)
}

func TestDecodeEnvelope(t *testing.T) {
	payload := eventPayload("evt_1", "customer.subscription.updated",
		subscriptionObject(subsync.StatusActive, nil),
		map[string]interface{}{"cancel_at_period_end": false})

	env, err := subsync.DecodeEnvelope(payload)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", env.ID)
	assert.Equal(t, subsync.KindSubscriptionUpdated, env.Kind)
	assert.Equal(t, "customer.subscription.updated", env.RawType)
	assert.True(t, env.Created.Equal(testNow))
	assert.Equal(t, false, env.PreviousAttributes["cancel_at_period_end"])
	assert.NotEmpty(t, env.Object)
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	_, err := subsync.DecodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, subsync.ErrInvalidPayload)

	_, err = subsync.DecodeEnvelope([]byte(`{"type":"invoice.paid"}`))
	assert.ErrorIs(t, err, subsync.ErrInvalidPayload)
}

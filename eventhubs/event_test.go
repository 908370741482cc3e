package eventhubs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

func TestEventDataMessageIDRoundTrip(t *testing.T) {
	id := "order-42"
	ct := "application/json"
	corr := "corr-1"
	ev := EventData{
		Body:          []byte(`{"n":1}`),
		MessageID:     &id,
		ContentType:   &ct,
		CorrelationID: &corr,
		Properties:    map[string]any{"tenant": "a"},
	}

	msg, err := ev.toAMQPMessage()
	require.NoError(t, err)
	assert.Equal(t, "order-42", msg.Properties.MessageID)
	assert.Equal(t, "application/json", *msg.Properties.ContentType)
	assert.Equal(t, "corr-1", msg.Properties.CorrelationID)
	assert.Equal(t, "a", msg.ApplicationProperties["tenant"])
	assert.Equal(t, []byte(`{"n":1}`), msg.Data[0])
}

func TestEventDataGeneratesMessageIDWhenAbsent(t *testing.T) {
	msg, err := EventData{Body: []byte("b")}.toAMQPMessage()
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Properties.MessageID)
}

func TestEventDataRejectsEmptyMessageID(t *testing.T) {
	empty := ""
	_, err := EventData{Body: []byte("b"), MessageID: &empty}.toAMQPMessage()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestEventDataMessageIDLengthBounds(t *testing.T) {
	atLimit := strings.Repeat("a", MaxMessageIDLength)
	msg, err := EventData{Body: []byte("b"), MessageID: &atLimit}.toAMQPMessage()
	require.NoError(t, err)
	assert.Equal(t, atLimit, msg.Properties.MessageID)

	over := strings.Repeat("a", MaxMessageIDLength+1)
	_, err = EventData{Body: []byte("b"), MessageID: &over}.toAMQPMessage()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestRetryOptionsToPolicy(t *testing.T) {
	p := RetryOptions{}.toPolicy()
	assert.Equal(t, 3, p.MaxRetries, "zero keeps the default")

	p = RetryOptions{MaxRetries: -1}.toPolicy()
	assert.Equal(t, 0, p.MaxRetries, "negative disables retries")

	p = RetryOptions{MaxRetries: 7}.toPolicy()
	assert.Equal(t, 7, p.MaxRetries)
}

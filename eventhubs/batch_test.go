package eventhubs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

func TestBatchRejectsPartitionIDAndKeyTogether(t *testing.T) {
	id, key := "0", "pk"
	_, err := newEventDataBatch(1<<20, EventDataBatchOptions{PartitionID: &id, PartitionKey: &key})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestBatchStaysUnderCapAndRejectsOverflowWithoutMutation(t *testing.T) {
	batch, err := newEventDataBatch(1<<20, EventDataBatchOptions{MaxBytes: 2048})
	require.NoError(t, err)

	body := bytes.Repeat([]byte("x"), 400)
	added := 0
	for {
		ok, err := batch.AddEventData(EventData{Body: body})
		require.NoError(t, err)
		if !ok {
			break
		}
		added++
		assert.LessOrEqual(t, batch.ByteCount(), batch.MaxBytes())
	}

	require.Greater(t, added, 0)
	assert.Equal(t, added, batch.NumEvents(), "a rejected add must not grow the batch")

	before := batch.ByteCount()
	ok, err := batch.AddEventData(EventData{Body: body})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, batch.ByteCount(), "a rejected add must not change the running size")
}

func TestBatchRejectsEventTooLargeForEmptyBatch(t *testing.T) {
	batch, err := newEventDataBatch(1<<20, EventDataBatchOptions{MaxBytes: 600})
	require.NoError(t, err)

	_, err = batch.AddEventData(EventData{Body: bytes.Repeat([]byte("x"), 500)})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Zero(t, batch.NumEvents())
}

func TestBatchUsesLinkMaxWhenNoCapGiven(t *testing.T) {
	batch, err := newEventDataBatch(4096, EventDataBatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), batch.MaxBytes())

	// A caller cap above the link maximum is ignored.
	batch, err = newEventDataBatch(4096, EventDataBatchOptions{MaxBytes: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), batch.MaxBytes())
}

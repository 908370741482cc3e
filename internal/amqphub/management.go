package amqphub

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/chris-alexander-pop/eventhubs-go/internal/auth"
)

// Management link operation and entity-type names for the $management
// node.
const (
	managementAddress      = "$management"
	mgmtOperationKey       = "operation"
	mgmtOperationReadProps = "READ"
	mgmtTypeKey            = "type"
	mgmtEventHubType       = "com.microsoft:eventhub"
	mgmtPartitionType      = "com.microsoft:partition"
	mgmtNameKey            = "name"
	mgmtPartitionKey       = "partition"
	mgmtStatusCodeKey      = "status-code"
	mgmtSecurityTokenKey   = "security_token"
)

// EventHubProperties is the result of a get-eventhub-properties management
// call.
type EventHubProperties struct {
	Name         string
	CreatedAt    time.Time
	PartitionIDs []string
}

// PartitionProperties is the result of a get-partition-properties
// management call.
type PartitionProperties struct {
	EventHubName               string
	PartitionID                string
	BeginningSequenceNumber    int64
	LastEnqueuedSequenceNumber int64
	LastEnqueuedOffset         int64
	LastEnqueuedTime           time.Time
	IsEmpty                    bool
}

// managementLink is a thin RPC client over the $management node: a sender
// and a receiver sharing one session. Each request carries a fresh message
// id; the reply is taken to be the next message on the receiver (its
// correlation id is not checked), so mu keeps one outstanding request at a
// time.
type managementLink struct {
	mu       sync.Mutex
	sender   AMQPSender
	receiver AMQPReceiver

	provider    auth.Provider
	resourceURI string
}

func (m *managementLink) call(ctx context.Context, operation, entityType string, appProps map[string]any) (*amqp.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	correlationID := uuid.NewString()
	props := map[string]any{
		mgmtOperationKey: operation,
		mgmtTypeKey:      entityType,
	}
	for k, v := range appProps {
		props[k] = v
	}

	// Every request carries a current token so the node can authorize it
	// without a round trip to $cbs.
	if m.provider != nil {
		tok, err := m.provider.GetToken(ctx, m.resourceURI)
		if err != nil {
			return nil, newAuthError("minting management token", err)
		}
		props[mgmtSecurityTokenKey] = tok.Value
	}

	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: correlationID,
			ReplyTo:   ptr(managementAddress),
		},
		ApplicationProperties: props,
	}

	if err := m.sender.Send(ctx, msg, nil); err != nil {
		return nil, newProtocolError("sending management request", err)
	}

	resp, err := m.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, newProtocolError("receiving management response", err)
	}
	if err := m.receiver.AcceptMessage(ctx, resp); err != nil {
		return nil, newProtocolError("accepting management response", err)
	}

	if code, ok := resp.ApplicationProperties[mgmtStatusCodeKey]; ok {
		if n, ok := code.(int32); ok && (n < 200 || n >= 300) {
			return nil, newProtocolError(fmt.Sprintf("management call rejected with status %d", n), nil)
		}
	}

	return resp, nil
}

func (m *managementLink) getEventHubProperties(ctx context.Context, name string) (EventHubProperties, error) {
	resp, err := m.call(ctx, mgmtOperationReadProps, mgmtEventHubType, map[string]any{mgmtNameKey: name})
	if err != nil {
		return EventHubProperties{}, err
	}
	body, ok := resp.Value.(map[string]any)
	if !ok {
		return EventHubProperties{}, newCodecError("unexpected eventhub properties body shape", nil)
	}
	props := EventHubProperties{Name: name}
	if v, ok := body["created_at"].(time.Time); ok {
		props.CreatedAt = v
	}
	if ids, ok := body["partition_ids"].([]string); ok {
		props.PartitionIDs = ids
	} else if ids, ok := body["partition_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				props.PartitionIDs = append(props.PartitionIDs, s)
			}
		}
	}
	return props, nil
}

func (m *managementLink) getPartitionProperties(ctx context.Context, name, partitionID string) (PartitionProperties, error) {
	resp, err := m.call(ctx, mgmtOperationReadProps, mgmtPartitionType, map[string]any{
		mgmtNameKey:      name,
		mgmtPartitionKey: partitionID,
	})
	if err != nil {
		return PartitionProperties{}, err
	}
	body, ok := resp.Value.(map[string]any)
	if !ok {
		return PartitionProperties{}, newCodecError("unexpected partition properties body shape", nil)
	}

	props := PartitionProperties{EventHubName: name, PartitionID: partitionID}
	props.BeginningSequenceNumber = toInt64(body["begin_sequence_number"])
	props.LastEnqueuedSequenceNumber = toInt64(body["last_enqueued_sequence_number"])
	props.LastEnqueuedOffset = toInt64(body["last_enqueued_offset"])
	props.LastEnqueuedTime = toTime(body["last_enqueued_time_utc"])
	if empty, ok := body["is_partition_empty"].(bool); ok {
		props.IsEmpty = empty
	}
	return props, nil
}

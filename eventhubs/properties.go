package eventhubs

import (
	"time"

	"github.com/chris-alexander-pop/eventhubs-go/internal/amqphub"
)

// EventHubProperties describes an Event Hub entity.
type EventHubProperties struct {
	Name         string
	CreatedOn    time.Time
	PartitionIDs []string
}

// PartitionProperties describes one partition's current state.
type PartitionProperties struct {
	EventHubName               string
	PartitionID                string
	BeginningSequenceNumber    int64
	LastEnqueuedSequenceNumber int64
	LastEnqueuedOffset         int64
	LastEnqueuedOn             time.Time
	IsEmpty                    bool
}

func fromInternalEventHubProperties(p amqphub.EventHubProperties) EventHubProperties {
	return EventHubProperties{Name: p.Name, CreatedOn: p.CreatedAt, PartitionIDs: p.PartitionIDs}
}

func fromInternalPartitionProperties(p amqphub.PartitionProperties) PartitionProperties {
	return PartitionProperties{
		EventHubName:               p.EventHubName,
		PartitionID:                p.PartitionID,
		BeginningSequenceNumber:    p.BeginningSequenceNumber,
		LastEnqueuedSequenceNumber: p.LastEnqueuedSequenceNumber,
		LastEnqueuedOffset:         p.LastEnqueuedOffset,
		LastEnqueuedOn:             p.LastEnqueuedTime,
		IsEmpty:                    p.IsEmpty,
	}
}

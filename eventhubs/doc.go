// Package eventhubs is a client library for Azure Event Hubs built directly
// on AMQP 1.0, mirroring the shape of the official azeventhubs SDK: a
// ProducerClient for sending batched events, a ConsumerClient/PartitionClient
// pair for reading them back, and shared options/credential types between
// the two. The connection, authorization, and link recovery machinery lives
// in internal/amqphub; this package is the public surface on top of it.
package eventhubs

package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

const contentType = "application/json"

// encode builds the AMQP message for a payload. Routing options travel both
// as AMQP properties and inside the JSON envelope.
func encode(payload contracts.Payload, opts contracts.Options) (amqp.Publishing, error) {
	body, err := contracts.NewEnvelope(payload, opts).Marshal()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Body:          body,
	}, nil
}

// decode turns an AMQP delivery into a messaging.Delivery
func decode(d amqp.Delivery) (messaging.Delivery, error) {
	envelope, err := contracts.UnmarshalEnvelope(d.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}

	opts := envelope.Options()
	if opts.CorrelationID == "" {
		opts.CorrelationID = d.CorrelationId
	}
	if opts.ReplyTo == "" {
		opts.ReplyTo = d.ReplyTo
	}

	return messaging.NewDelivery(envelope.Payload, opts), nil
}

func isUnroutable(err error) bool {
	return errors.Is(err, rabbitmq.ErrUnroutable)
}

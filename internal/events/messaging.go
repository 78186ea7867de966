package events

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange                = "atm.events"
	CashDispensedRoutingKey       = "cash.dispensed.v1"
	DispenseRejectedRoutingKey    = "cash.rejected.v1"
	CassetteReplenishedRoutingKey = "cassette.replenished.v1"
	dispenserServiceName          = "cash-dispenser-go"
)

func serviceQueue(serviceName, routingKey string) string {
	return serviceName + "." + routingKey
}

func dispenserQueueName(routingKey string) string {
	return serviceQueue(dispenserServiceName, routingKey)
}

func declareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

// Dial connects to RabbitMQ.
func Dial(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

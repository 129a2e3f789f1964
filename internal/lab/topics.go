package lab

const (
	TopicOrderEvents    = "lab.order.events"
	TopicSpecimenEvents = "lab.specimen.events"
	TopicResultEvents   = "lab.result.events"
)

// Partition key = order id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

package redisx

import "time"

const (
	// Cache of order status: lab:order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "lab:order_status:%s"

	// Dedup for event processing: lab:dedup:{service}:{event_id}
	KeyDedup = "lab:dedup:%s:%s"

	// Public result token: lab:result_token:{token} -> hash
	KeyResultToken = "lab:result_token:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

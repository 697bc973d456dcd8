package storage

// Order key schema for Pebble storage:
//
//	ord:<orderID> -> JSON encoded order.Order
const prefixOrder = "ord:"

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

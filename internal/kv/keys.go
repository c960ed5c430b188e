package kv

import "fmt"

// Reserved keyspace. The writer noted on each key is the only component
// allowed to mutate it.

// Risk service keys.
func KeyEmergencyStop(userID string) string { return "risk:emergency_stop:" + userID }
func KeyPnL(userID string) string           { return "risk:pnl:" + userID }
func KeyPositions(userID string) string     { return "risk:positions:" + userID }

// Alert service keys. The list key holds an ordered set of alert ids scored
// by created-at; each alert body lives under its own data key. The dedup
// marker carries the identity hash of the last fire, expiring with the
// suppression window.
func KeyAlertList(userID string) string { return "risk:alerts:list:" + userID }
func KeyAlertData(userID, alertID string) string {
	return fmt.Sprintf("risk:alerts:data:%s:%s", userID, alertID)
}
func KeyAlertDedup(userID, typ, severity string) string {
	return fmt.Sprintf("risk:alerts:dedup:%s:%s:%s", userID, typ, severity)
}

// Order queue keys.
const (
	KeyQueuePending    = "orderq:pending"
	KeyQueuePriority   = "orderq:priority"
	KeyQueueProcessing = "orderq:processing"
	KeyQueueFailed     = "orderq:failed"
	KeyQueueCompleted  = "orderq:completed"
)

func KeyQueueData(itemID string) string { return "orderq:data:" + itemID }

// Credential vault keys.
func KeyCredentials(venue string) string { return "credentials:" + venue }

// Latest-value market data cache keys.
func KeyTicker(venue, symbol string) string { return fmt.Sprintf("ticker:%s:%s", venue, symbol) }
func KeyBook(venue, symbol string) string   { return fmt.Sprintf("book:%s:%s", venue, symbol) }

// Pub-sub topics for collector fan-out.
func TopicTicker(venue string) string { return "md.ticker." + venue }
func TopicBook(venue string) string   { return "md.book." + venue }
func TopicTrade(venue string) string  { return "md.trade." + venue }
func TopicCandle(venue string) string { return "md.candle." + venue }

// TopicOrderEvents carries order lifecycle events published by the executors.
const TopicOrderEvents = "orders.events"

package types

// Metric names and dimensions. All components MUST use these constants.
const (
	MetricDeliveryAttempt  = "DeliveryAttempt"
	MetricBroadcastLatency = "BroadcastLatency"
	MetricQueueLag         = "BroadcastQueueLag"

	DimEventKind = "EventKind"
	DimResult    = "Result"

	MetricNamespace = "HookRelay"
)

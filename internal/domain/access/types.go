package access

type AccessState string

const (
	AccessSubscribed AccessState = "subscribed"
	AccessPoints     AccessState = "points"
	AccessFree       AccessState = "free"
	AccessLocked     AccessState = "locked"
)

const (
	CapabilityGenerate = "generate"
	CapabilityHD       = "hd"
	CapabilityBatch    = "batch"
	CapabilityPriority = "priority_queue"
)

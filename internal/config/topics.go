package config

const (
	// TopicJobEvents is the NSQ topic for terminal job notifications
	// (job.completed, job.failed).
	TopicJobEvents = "job.events"
)

package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldTaskID is the queued task ID
	FieldTaskID = "task_id"

	// FieldBatchID is the external inference batch job ID
	FieldBatchID = "batch_id"

	// FieldAccount is the pool account name
	FieldAccount = "account"

	// FieldSubject is the subject profile ID
	FieldSubject = "subject_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldBackend is the scraping backend identifier
	FieldBackend = "backend"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)

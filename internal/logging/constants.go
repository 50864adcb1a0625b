package logging

// Standard field names shared across the engine's structured log lines.
const (
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldDuration  = "duration_ms"
	FieldPath      = "path"
	FieldUID       = "uid"
	FieldDeviceUID = "device_uid"
	FieldBatchUID  = "batch_uid"
	FieldOpUID     = "op_uid"
	FieldStatus    = "status"
	FieldSize      = "size"
	FieldCount     = "count"
	FieldRetries   = "retries"
)

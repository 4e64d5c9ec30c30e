package logging

// Standard structured field names, kept consistent across services the
// way the teacher's logger.FieldJobID/FieldRequestID constants are.
const (
	FieldWatermark     = "watermark"
	FieldClientGroupID = "client_group_id"
	FieldClientID      = "client_id"
	FieldTable         = "table"
	FieldProducer      = "producer"
	FieldWorker        = "worker_id"
	FieldRole          = "role"
	FieldDurationMS    = "duration_ms"
	FieldRetryDelayMS  = "retry_delay_ms"
	FieldMutationID    = "mutation_id"
	FieldWsID          = "wsid"
)

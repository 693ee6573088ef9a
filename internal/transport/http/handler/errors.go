package handler

const (
	errInternalServer = "Internal server error"

	errTaskNotFound        = "Task not found"
	errInvalidCronExpr     = "Invalid cron expression"
	errIntervalTooShort    = "Cron interval below your plan's minimum"
	errBlockedURL          = "URL resolves to a blocked address"
	errInvalidScheduleType = "schedule_type must be cron or once"
	errMissingScheduledAt  = "Once tasks require scheduled_at"
	errInvalidCursor       = "Invalid pagination cursor"
	errOverQuota           = "Monthly execution quota exhausted"

	errExecutionNotFound = "Execution not found"
	errInvalidStatus     = "Invalid execution status filter"

	errEndpointNotFound     = "Endpoint not found"
	errEndpointSlugConflict = "Endpoint with this slug already exists"
	errInvalidSlug          = "Slug must be 3-64 lowercase letters, digits or hyphens"
	errTooManyForwards      = "Too many forward URLs"
	errEventNotFound        = "Inbound event not found"
	errForwardTaskDeleted   = "A forward task for this event has been deleted"

	errMonitorNotFound        = "Monitor not found"
	errInvalidMonitorSchedule = "Exactly one of interval_seconds and cron_expr must be set"

	errOrganizationNotFound = "Organization not found"
)

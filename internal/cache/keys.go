package cache

// Key layout. All keys of one workflow share the workflow:{id} prefix.

func WorkflowStatusKey(workflowID string) string {
	return "workflow:" + workflowID + ":status"
}

// JobStatusKey names the hash of job ID to status for a workflow.
func JobStatusKey(workflowID string) string {
	return "workflow:" + workflowID + ":jobs"
}

func RateLimitKey(keyPrefix string) string {
	return "ratelimit:" + keyPrefix
}

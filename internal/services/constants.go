package services

import "time"

// Cache hash patterns
const (
	SYNC_STATE_HASH = "sync_state"
	SYNC_LOCK_HASH  = "sync_lock"
)

const (
	SyncStateTTL = 7 * 24 * time.Hour
	SyncLockTTL  = 30 * time.Minute
)

package core

import "time"

// Operational limits for the chat core.
const (
	// SendTimeout bounds how long a write to one subscriber may block.
	SendTimeout = 50 * time.Millisecond

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 64

	// DefaultHistoryLimit is the number of messages replayed on join.
	DefaultHistoryLimit = 50

	// DefaultReputationInterval is the minimum gap between two
	// reputation-earning messages from one identity. The boundary is
	// inclusive.
	DefaultReputationInterval = 2 * time.Second

	// DefaultActivityLimit and DefaultTopLimit size the admin stats.
	DefaultActivityLimit = 20
	DefaultTopLimit      = 10

	// DefaultStoreTimeout bounds one storage round trip.
	DefaultStoreTimeout = 5 * time.Second
)

package config

import (
	"os"
	"strings"
)

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RewardSyncViaPubSub routes outbox delivery through Pub/Sub instead of calling the ledger API directly.
//
// Set via env:
// - REWARD_SYNC_VIA_PUBSUB=true
func RewardSyncViaPubSub() bool {
	return envBoolDefault("REWARD_SYNC_VIA_PUBSUB", false)
}

// OutboxDispatcherEnabled starts the background outbox dispatcher on boot (default true).
func OutboxDispatcherEnabled() bool {
	return envBoolDefault("OUTBOX_DISPATCHER_ENABLED", true)
}

// ImmediateSyncEnabled makes submissions try the reward ledger right after commit,
// before handing the message to the dispatcher (default true).
func ImmediateSyncEnabled() bool {
	return envBoolDefault("IMMEDIATE_SYNC_ENABLED", true)
}

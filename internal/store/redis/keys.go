package redis

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefixInstance is the prefix for mirrored instance keys.
	KeyPrefixInstance = "ally:instance:"
	// KeyAllInstances is the set of mirrored instance ids.
	KeyAllInstances = "ally:instances:all"
	// ChannelEvents carries every status delta, without tokens.
	ChannelEvents = "ally:events"
)

// InstanceKey returns the Redis key for an instance by id.
func InstanceKey(id string) string {
	return KeyPrefixInstance + id
}

// ExtractInstanceID extracts the instance id from a Redis key.
func ExtractInstanceID(key string) (string, error) {
	id, ok := strings.CutPrefix(key, KeyPrefixInstance)
	if !ok || id == "" {
		return "", fmt.Errorf("invalid instance key: %s", key)
	}
	return id, nil
}

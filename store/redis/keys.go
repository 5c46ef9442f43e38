package redis

// Redis key naming conventions for sentinel data.
// All keys are prefixed with "sentinel:" to avoid collisions.

const keyPrefix = "sentinel:"

// taskKey returns the Hash key for a task record: sentinel:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// queueKey is the Sorted Set holding waiting task ids scored by
// (priority, submission time).
const queueKey = keyPrefix + "queue"

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// leaseIndexKey is the Sorted Set of IN_PROGRESS task ids scored by lease
// expiry (unix milliseconds). It lets the reaper fetch lapsed leases with
// one ZRANGEBYSCORE instead of scanning every task record.
const leaseIndexKey = keyPrefix + "leases"

// counterKey returns the status counter key: sentinel:count:{STATUS}
func counterKey(status string) string { return keyPrefix + "count:" + status }

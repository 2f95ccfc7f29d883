package tracking

import (
	"strconv"
)

// Redis key layout, all keys below the configured prefix:
//
//	{prefix}:tracking:entry:{job}:{chunk}       JSON encoded Entry
//	{prefix}:tracking:match:{sink}:{matchKey}   Sorted Set of live keys carrying the match key, by insertion
//	{prefix}:tracking:waiters:{job}:{chunk}     Set of keys waiting on the chunk
//	{prefix}:tracking:status:{sink}:{status}    Sorted Set of keys per status
//	{prefix}:tracking:job:{job}                 Set of keys belonging to a job
//	{prefix}:tracking:sinks                     Set of sink ids with tracked chunks
//	{prefix}:tracking:seq                       scheduling sequence counter
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = "cds"
	}

	return keyspace{prefix: prefix + ":tracking:"}
}

func (k keyspace) entry(key Key) string {
	return k.prefix + "entry:" + key.String()
}

func (k keyspace) match(sinkID int64, matchKey string) string {
	return k.prefix + "match:" + strconv.FormatInt(sinkID, 10) + ":" + matchKey
}

func (k keyspace) matches(sinkID int64, matchKeys []string) []string {
	keys := make([]string, 0, len(matchKeys))
	for _, mk := range matchKeys {
		keys = append(keys, k.match(sinkID, mk))
	}

	return keys
}

func (k keyspace) waiters(key Key) string {
	return k.prefix + "waiters:" + key.String()
}

func (k keyspace) status(sinkID int64, status Status) string {
	return k.prefix + "status:" + strconv.FormatInt(sinkID, 10) + ":" + string(status)
}

func (k keyspace) job(jobID int64) string {
	return k.prefix + "job:" + strconv.FormatInt(jobID, 10)
}

func (k keyspace) sinks() string {
	return k.prefix + "sinks"
}

func (k keyspace) seq() string {
	return k.prefix + "seq"
}

// priorityWeight separates priorities in the status index so that a higher
// priority always sorts before any sequence number of a lower one.
const priorityWeight = 1e12

// statusScore orders the status index by priority (higher first) and then by scheduling order.
func statusScore(priority int, seq int64) float64 {
	return float64(seq) - float64(priority)*priorityWeight
}

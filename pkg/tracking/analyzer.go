package tracking

import (
	"slices"
	"strconv"
)

// sinkMatchKeyPrefix marks the reserved match key shared by every chunk of a strictly ordered sink
const sinkMatchKeyPrefix = "sink:"

// SinkMatchKey returns the reserved match key for a sink
func SinkMatchKey(sinkID int64) string {
	return sinkMatchKeyPrefix + strconv.FormatInt(sinkID, 10)
}

// MatchKeys returns the sequence-analysis keys a chunk carries towards a sink.
// Strictly ordered sinks add the reserved sink key so that every chunk chains
// behind the previous one. The result is sorted and free of duplicates.
func MatchKeys(chunk *Chunk, sink *Sink) []string {
	keys := make([]string, 0, len(chunk.MatchKeys)+1)

	for _, k := range chunk.MatchKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	if sink.StrictOrdering {
		keys = append(keys, SinkMatchKey(sink.ID))
	}

	slices.Sort(keys)

	return slices.Compact(keys)
}

// Package shard provides shard key generation for the distributed DynamoDB
// edge table.
package shard

import (
	"fmt"
	"hash/fnv"
)

// EdgePK computes the sharded partition key for a closure-edge record.
// With numShards=1, all edges of an ancestor go to shard "00".
// With numShards>1, edges are distributed across shards based on the
// descendant id hash, so large subtrees don't hot-spot a single partition.
func EdgePK(ancestorID, descendantID string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", ancestorID)
	}
	h := fnv.New32a()
	h.Write([]byte(descendantID))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", ancestorID, shard)
}

// AllPKs returns every partition key an ancestor's edges can live under.
// Descendant-direction reads fan out across these.
func AllPKs(ancestorID string, numShards int) []string {
	if numShards <= 1 {
		return []string{fmt.Sprintf("%s#00", ancestorID)}
	}
	pks := make([]string, numShards)
	for i := 0; i < numShards; i++ {
		pks[i] = fmt.Sprintf("%s#%02x", ancestorID, i)
	}
	return pks
}

// Package shard provides shard key generation for distributed DynamoDB partitions.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Of returns the shard a member is assigned to.
// With numShards<=1 every member lands on shard 0.
func Of(member string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(member))
	return int(h.Sum32() % uint32(numShards))
}

// PartitionKey computes the partition key of one shard of a base partition.
func PartitionKey(base string, shardNum int) string {
	return fmt.Sprintf("%s#%02x", base, shardNum)
}

// MemberPK computes the sharded partition key a member is written under.
func MemberPK(base, member string, numShards int) string {
	return PartitionKey(base, Of(member, numShards))
}

// All returns the partition keys of every shard of a base partition.
func All(base string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	pks := make([]string, numShards)
	for i := range pks {
		pks[i] = PartitionKey(base, i)
	}
	return pks
}

package bridge

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-strata/internal/device"
)

// Partition is a contiguous batch range [Offset, Offset+Size).
type Partition struct {
	Index  int
	Offset int
	Size   int
}

// PlanPartitions splits nBatch items into nPartition partitions of
// nBatch/nPartition items. A remainder gets one extra partition, so the
// result has nPartition or nPartition+1 entries.
func PlanPartitions(nBatch, nPartition int) ([]Partition, error) {
	if nPartition <= 0 || nBatch < nPartition {
		return nil, errors.Wrapf(device.ErrConfiguration,
			"cannot split a batch of %d into %d partitions", nBatch, nPartition)
	}
	return split(nBatch, nPartition), nil
}

func split(n, p int) []Partition {
	base, rem := n/p, n%p
	count := p
	if rem > 0 {
		count++
	}
	plan := make([]Partition, count)
	for i := 0; i < p; i++ {
		plan[i] = Partition{Index: i, Offset: i * base, Size: base}
	}
	if rem > 0 {
		plan[p] = Partition{Index: p, Offset: p * base, Size: rem}
	}
	return plan
}

// planActive re-derives the plan for a current batch of curr items. The
// requested count is capped at curr and lowered until the plan fits in the
// provisioned units, so the result never has more than provisioned entries.
// For 7 items over 4 requested partitions the rule alone would give 5
// partitions (1,1,1,1,3); with 4 provisioned this returns 2,2,2,1.
func planActive(curr, nPartition, provisioned int) []Partition {
	p := min(curr, nPartition)
	for {
		plan := split(curr, p)
		if len(plan) <= provisioned || p == 1 {
			return plan
		}
		p--
	}
}

// capacities returns, per provisioned partition, the largest size any batch
// in [1, nBatch] assigns to it.
func capacities(nBatch, nPartition, provisioned int) []int {
	caps := make([]int, provisioned)
	for curr := 1; curr <= nBatch; curr++ {
		for _, p := range planActive(curr, nPartition, provisioned) {
			caps[p.Index] = max(caps[p.Index], p.Size)
		}
	}
	return caps
}

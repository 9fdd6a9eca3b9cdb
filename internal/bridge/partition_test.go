package bridge

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-strata/internal/device"
)

func checkContiguous(t *testing.T, plan []Partition, n int) {
	t.Helper()
	sum := 0
	for i, p := range plan {
		require.Equal(t, i, p.Index)
		require.Equal(t, sum, p.Offset)
		require.Positive(t, p.Size)
		sum += p.Size
	}
	require.Equal(t, n, sum)
}

func TestPlanPartitions_Exact(t *testing.T) {
	for n := 1; n <= 64; n++ {
		for p := 1; p <= n; p++ {
			plan, err := PlanPartitions(n, p)
			require.NoError(t, err)
			checkContiguous(t, plan, n)
			if n%p == 0 {
				require.Len(t, plan, p)
			} else {
				require.Len(t, plan, p+1)
				require.Equal(t, n%p, plan[p].Size)
			}
		}
	}
}

func TestPlanPartitions_Examples(t *testing.T) {
	plan, err := PlanPartitions(7, 3)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{0, 0, 2}, {1, 2, 2}, {2, 4, 2}, {3, 6, 1}}, plan)

	plan, err = PlanPartitions(8, 4)
	require.NoError(t, err)
	assert.Len(t, plan, 4)

	for _, tc := range [][2]int{{3, 4}, {5, 0}, {0, 1}} {
		_, err := PlanPartitions(tc[0], tc[1])
		require.True(t, errors.Is(err, device.ErrConfiguration), "%v", tc)
	}
}

func TestPlanActive_FitsProvisioned(t *testing.T) {
	for n := 1; n <= 40; n++ {
		for p := 1; p <= n; p++ {
			provisioned := len(split(n, p))
			caps := capacities(n, p, provisioned)
			for curr := 1; curr <= n; curr++ {
				plan := planActive(curr, p, provisioned)
				checkContiguous(t, plan, curr)
				require.LessOrEqual(t, len(plan), provisioned, "n=%d p=%d curr=%d", n, p, curr)
				for _, part := range plan {
					require.LessOrEqual(t, part.Size, caps[part.Index])
				}
			}
			// the full batch reproduces the provisioned plan
			require.Equal(t, split(n, p), planActive(n, p, provisioned))
		}
	}
}

func TestPlanActive_ShrinksWithBatch(t *testing.T) {
	// 8 items over 4 partitions: 7 items would need 5 partitions, so the
	// request is lowered to 3 partitions of 2 plus 1.
	plan := planActive(7, 4, 4)
	assert.Equal(t, []Partition{{0, 0, 2}, {1, 2, 2}, {2, 4, 2}, {3, 6, 1}}, plan)

	// fewer items than partitions: one item each
	plan = planActive(2, 4, 4)
	assert.Equal(t, []Partition{{0, 0, 1}, {1, 1, 1}}, plan)

	// 7 over 3 provisions sizes 2,2,2,1, but a batch of 5 splits 1,1,1,2
	assert.Equal(t, []int{2, 2, 2, 2}, capacities(7, 3, 4))
	assert.Equal(t, []int{1, 1, 1, 2}, capacities(5, 3, 4))
}

package cluster

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/slotctl/internal/cluster/hash"
	"github.com/10yihang/slotctl/internal/cluster/state"
	"github.com/10yihang/slotctl/internal/clustertest"
	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

func keysFor(slot, n int) []string {
	return hash.KeysForSlot(uint16(slot), n, "key")
}

func initCluster(t *testing.T, fc *clustertest.Cluster, cfg Config) *Cluster {
	t.Helper()
	seed := fc.Node(0)
	c, err := InitFromSeed(context.Background(), seed.Host(), seed.Port(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func addrs(c *Cluster) []string {
	var out []string
	for _, n := range c.Nodes() {
		out = append(out, n.Addr())
	}
	sort.Strings(out)
	return out
}

func slotCounts(c *Cluster) []int {
	var out []int
	for _, m := range c.Masters() {
		owned := m.OwnSlots()
		out = append(out, owned.Len())
	}
	return out
}

// requireAgreement checks that every handle agrees on the owner of every slot
// and that the masters cover the keyspace exactly once.
func requireAgreement(t *testing.T, c *Cluster) {
	t.Helper()
	require.NoError(t, c.Refresh(context.Background()))
	report := c.Check()
	require.Empty(t, report.Unassigned, "unassigned slots")
	require.Empty(t, report.Conflicts, "conflicting slots")
	require.Empty(t, report.Open, "open migrations")
	require.Empty(t, report.Disagreeing, "disagreeing nodes")
	require.True(t, report.OK())
}

func TestInitFromSeed(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))

	require.Len(t, c.Nodes(), 3)
	require.Equal(t, fc.Node(0).Addr(), c.Nodes()[0].Addr(), "seed comes first")
	require.Len(t, c.Masters(), 3)
	require.Equal(t, hash.SlotCount, sum(slotCounts(c)))
	requireAgreement(t, c)
}

func TestInitFromSeed_SkipsFailedPeers(t *testing.T) {
	fc := clustertest.Start(t, 3)
	fc.Node(2).Kill()
	fc.Node(0).MarkFailed(fc.Node(2).ID())

	c := initCluster(t, fc, testConfig(t))
	require.Len(t, c.Nodes(), 2)
	require.Nil(t, c.FindNode(fc.Node(2).Host(), fc.Node(2).Port()))
}

func TestInitFromSeed_UnreachablePeer(t *testing.T) {
	fc := clustertest.Start(t, 3)
	fc.Node(2).Kill()

	seed := fc.Node(0)
	c, err := InitFromSeed(context.Background(), seed.Host(), seed.Port(), testConfig(t))
	require.ErrorIs(t, err, slotctlerrors.ErrClusterInit)
	require.ErrorIs(t, err, slotctlerrors.ErrConnection)
	require.Nil(t, c)
}

func TestInitFromSeed_UnreachableSeed(t *testing.T) {
	fc := clustertest.Start(t, 1)
	seed := fc.Node(0)
	seed.Kill()

	_, err := InitFromSeed(context.Background(), seed.Host(), seed.Port(), testConfig(t))
	require.ErrorIs(t, err, slotctlerrors.ErrClusterInit)
}

func TestInitFromSeed_RefreshFailure(t *testing.T) {
	fc := clustertest.Start(t, 3)
	fc.Node(1).FailNext("CLUSTER NODES")

	seed := fc.Node(0)
	_, err := InitFromSeed(context.Background(), seed.Host(), seed.Port(), testConfig(t))
	require.ErrorIs(t, err, slotctlerrors.ErrClusterInit)
	require.ErrorIs(t, err, slotctlerrors.ErrTopologyUnavailable)
}

func TestAddNodeDelNode_Membership(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()
	before := addrs(c)

	spare := fc.NewNode()
	require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))
	require.Len(t, c.Nodes(), 4)
	for _, n := range c.Nodes() {
		require.True(t, n.KnowsNode(spare.Host(), spare.Port()), "%s should know the new node", n.Addr())
	}
	requireAgreement(t, c)

	// Adding a known node is a no-op.
	require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))
	require.Len(t, c.Nodes(), 4)

	require.NoError(t, c.DelNode(ctx, spare.Host(), spare.Port(), DelNodeOptions{}))
	require.Equal(t, before, addrs(c))
	require.NoError(t, c.Refresh(ctx))
	for _, n := range c.Nodes() {
		require.False(t, n.KnowsNode(spare.Host(), spare.Port()), "%s should have forgotten the node", n.Addr())
	}
	require.Empty(t, spare.OwnedSlots())
	requireAgreement(t, c)
}

func TestAddNode_FailureForgets(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	spare := fc.NewNode()
	fc.Node(1).FailNext("CLUSTER MEET")

	err := c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{ForgetOnError: true})
	require.Error(t, err)
	require.Len(t, c.Nodes(), 3)
	require.Nil(t, c.FindNode(spare.Host(), spare.Port()))

	require.NoError(t, c.Refresh(ctx))
	for _, n := range c.Nodes() {
		require.False(t, n.KnowsNode(spare.Host(), spare.Port()), "%s still knows the node", n.Addr())
	}
}

func TestAddNode_FailureWithoutForget(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	spare := fc.NewNode()
	fc.Node(1).FailNext("CLUSTER MEET")

	require.Error(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))
	require.Len(t, c.Nodes(), 2)
	// The first MEET went through and is not undone.
	require.True(t, fc.Node(0).Knows(spare.ID()))
}

func TestAddNode_UnknownAddress(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))

	err := c.AddNode(context.Background(), "127.0.0.1", 1, AddNodeOptions{ForgetOnError: true})
	require.Error(t, err)
	require.Len(t, c.Nodes(), 2)
}

func TestDelNode_NotFound(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))

	err := c.DelNode(context.Background(), "127.0.0.1", 1, DelNodeOptions{})
	require.ErrorIs(t, err, slotctlerrors.ErrNodeNotFound)
}

func TestDelNode_OwningSlotsWithoutRebalance(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()
	before := addrs(c)

	victim := fc.Node(2)
	require.NoError(t, c.DelNode(ctx, victim.Host(), victim.Port(), DelNodeOptions{}))
	require.Equal(t, before, addrs(c))

	require.NoError(t, c.Refresh(ctx))
	for _, n := range c.Nodes() {
		require.True(t, n.KnowsNode(victim.Host(), victim.Port()))
	}
	require.Len(t, victim.OwnedSlots(), 5461)
	requireAgreement(t, c)
}

func TestDelNode_Rebalance(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	victim := fc.Node(2)
	victimSlots := victim.OwnedSlots()
	values := make(map[string]string)
	for _, slot := range []int{victimSlots[0], victimSlots[100], victimSlots[len(victimSlots)-1]} {
		for i, k := range keysFor(slot, 5) {
			values[k] = fmt.Sprintf("v%d\x00%d", slot, i)
			fc.Set(k, []byte(values[k]))
		}
	}

	require.NoError(t, c.DelNode(ctx, victim.Host(), victim.Port(), DelNodeOptions{Rebalance: true}))
	require.Len(t, c.Nodes(), 2)
	require.Nil(t, c.FindNode(victim.Host(), victim.Port()))
	require.Equal(t, []int{8192, 8192}, slotCounts(c))

	for _, n := range c.Nodes() {
		require.False(t, n.KnowsNode(victim.Host(), victim.Port()))
	}
	require.Empty(t, victim.OwnedSlots())

	for k, want := range values {
		got, ok := fc.Get(k)
		require.True(t, ok, "key %q lost", k)
		require.Equal(t, want, string(got))
	}
	requireAgreement(t, c)
}

func TestMoveSlot(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	a, b := fc.Node(0), fc.Node(1)
	slot := 42
	keys := keysFor(slot, 50)
	for _, k := range keys {
		fc.Set(k, []byte("val:"+k))
	}

	require.NoError(t, c.MoveSlot(ctx, a.Host(), a.Port(), b.Host(), b.Port(), slot))
	require.NoError(t, c.Refresh(ctx))

	src := c.FindNode(a.Host(), a.Port())
	dst := c.FindNode(b.Host(), b.Port())
	srcSlots, dstSlots := src.OwnSlots(), dst.OwnSlots()
	require.False(t, srcSlots.Has(slot))
	require.True(t, dstSlots.Has(slot))

	for _, n := range c.Nodes() {
		for _, rec := range n.Nodes() {
			if rec.Slots.Has(slot) {
				require.Equal(t, b.ID(), rec.ID, "%s disagrees on the owner of slot %d", n.Addr(), slot)
			}
		}
	}

	for _, k := range keys {
		val, ok, err := b.Store().Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "val:"+k, string(val))
	}
	requireAgreement(t, c)
}

func TestMoveSlot_RoundTrip(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	a, b := fc.Node(0), fc.Node(1)
	slot := 7
	want := make(map[string][]byte)
	for i, k := range keysFor(slot, 30) {
		want[k] = []byte{byte(i), 0x00, 0xff, '\r', '\n', byte(i * 7)}
		fc.Set(k, want[k])
	}

	require.NoError(t, c.MoveSlot(ctx, a.Host(), a.Port(), b.Host(), b.Port(), slot))
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.MoveSlot(ctx, b.Host(), b.Port(), a.Host(), a.Port(), slot))
	require.NoError(t, c.Refresh(ctx))

	owned := c.FindNode(a.Host(), a.Port()).OwnSlots()
	require.True(t, owned.Has(slot))

	got, err := a.Store().KeysInSlot(slot, 100)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for k, v := range want {
		val, ok, err := a.Store().Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, val)
	}
	requireAgreement(t, c)
}

func TestMoveSlot_FailureLeavesMarkers(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	a, b := fc.Node(0), fc.Node(1)
	slot := 11
	for _, k := range keysFor(slot, 3) {
		fc.Set(k, []byte("x"))
	}
	a.FailNext("MIGRATE")

	err := c.MoveSlot(ctx, a.Host(), a.Port(), b.Host(), b.Port(), slot)
	require.Error(t, err)

	require.NoError(t, c.Refresh(ctx))
	report := c.Check()
	require.False(t, report.OK())
	require.Len(t, report.Open, 2)
	require.Equal(t, a.ID(), fc.Owner(slot).ID())
}

func TestMoveSlot_UnknownNode(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))

	a := fc.Node(0)
	err := c.MoveSlot(context.Background(), a.Host(), a.Port(), "127.0.0.1", 1, 0)
	require.ErrorIs(t, err, slotctlerrors.ErrNodeNotFound)
}

func TestRebalance_GrowCluster(t *testing.T) {
	tests := []struct {
		added int
		want  []int
	}{
		{1, []int{4096, 4096, 4096, 4096}},
		{2, []int{3277, 3277, 3277, 3277, 3276}},
		{3, []int{2731, 2731, 2731, 2731, 2730, 2730}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("3 to %d", 3+tt.added), func(t *testing.T) {
			fc := clustertest.Start(t, 3)
			c := initCluster(t, fc, testConfig(t))
			ctx := context.Background()

			values := make(map[string]string)
			for _, slot := range []int{0, 5000, 9000, 16383} {
				for _, k := range keysFor(slot, 4) {
					values[k] = "v-" + k
					fc.Set(k, []byte(values[k]))
				}
			}

			for i := 0; i < tt.added; i++ {
				spare := fc.NewNode()
				require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{ForgetOnError: true}))
			}

			require.NoError(t, c.Rebalance(ctx, RebalanceOptions{}))
			require.Equal(t, tt.want, slotCounts(c))
			requireAgreement(t, c)

			for k, want := range values {
				got, ok := fc.Get(k)
				require.True(t, ok, "key %q lost", k)
				require.Equal(t, want, string(got))
			}
		})
	}
}

func TestRebalance_FailureLetsInflightMovesFinish(t *testing.T) {
	fc := clustertest.Start(t, 2)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	a, b := fc.Node(0), fc.Node(1)
	for i := 0; i < 2; i++ {
		spare := fc.NewNode()
		require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))
	}

	// a hands slots 0.. to one spare while b hands 8192.. to the other.
	values := make(map[string]string)
	for _, slot := range []int{0, 8192} {
		for _, k := range keysFor(slot, 3) {
			values[k] = "v-" + k
			fc.Set(k, []byte(values[k]))
		}
	}
	a.SetLatency(20 * time.Millisecond)
	b.FailNext("MIGRATE")

	err := c.Rebalance(ctx, RebalanceOptions{})
	require.Error(t, err)
	a.SetLatency(0)

	require.NoError(t, c.Refresh(ctx))
	report := c.Check()
	require.Len(t, report.Open, 2, "only the failed slot may stay open: %+v", report.Open)
	for _, o := range report.Open {
		require.Equal(t, 8192, o.Slot)
	}
	require.Empty(t, report.Unassigned)
	require.Empty(t, report.Conflicts)

	for k, want := range values {
		got, ok := fc.Get(k)
		require.True(t, ok, "key %q lost", k)
		require.Equal(t, want, string(got))
	}
}

func TestRefresh_FailureDoesNotInterruptOtherNodes(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	fc.Node(2).SetLatency(200 * time.Millisecond)
	fc.Node(1).FailNext("CLUSTER NODES")

	start := time.Now()
	err := c.Refresh(ctx)
	require.ErrorIs(t, err, slotctlerrors.ErrTopologyUnavailable)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "Refresh returned before the slow node finished")
	fc.Node(2).SetLatency(0)

	for _, n := range c.Nodes() {
		require.NoError(t, n.Refresh(ctx), "handle %s unusable after a sibling failed", n.Addr())
	}
	requireAgreement(t, c)
}

func TestRebalance_ExcludeEmptyNode(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	spare := fc.NewNode()
	require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))

	exclude := []Addr{{Host: spare.Host(), Port: spare.Port()}}
	require.NoError(t, c.Rebalance(ctx, RebalanceOptions{Exclude: exclude}))
	require.Equal(t, []int{5462, 5461, 5461, 0}, slotCounts(c))
	requireAgreement(t, c)
}

func TestRebalance_ExcludeOwningNode(t *testing.T) {
	fc := clustertest.Start(t, 4)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	drained := c.Nodes()[3]
	exclude := []Addr{{Host: drained.Host(), Port: drained.Port()}}
	require.NoError(t, c.Rebalance(ctx, RebalanceOptions{Exclude: exclude}))

	require.Equal(t, []int{5462, 5461, 5461, 0}, slotCounts(c))
	requireAgreement(t, c)
}

func TestPlanRebalance_DryRun(t *testing.T) {
	fc := clustertest.Start(t, 3)
	c := initCluster(t, fc, testConfig(t))
	ctx := context.Background()

	spare := fc.NewNode()
	require.NoError(t, c.AddNode(ctx, spare.Host(), spare.Port(), AddNodeOptions{}))

	plan, err := c.PlanRebalance(nil)
	require.NoError(t, err)
	total := 0
	for _, a := range plan {
		require.Equal(t, spare.Addr(), a.Target.Addr())
		total += len(a.Slots)
	}
	require.Equal(t, 4096, total)

	// Planning does not move anything.
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, []int{5462, 5461, 5461, 0}, slotCounts(c))
}

func TestStateJournal(t *testing.T) {
	fc := clustertest.Start(t, 2)
	dir := t.TempDir()

	mgr, err := state.NewStateManager(dir, testr.New(t))
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.StateManager = mgr
	c := initCluster(t, fc, cfg)
	ctx := context.Background()

	a, b := fc.Node(0), fc.Node(1)
	require.NoError(t, c.MoveSlot(ctx, a.Host(), a.Port(), b.Host(), b.Port(), 0))
	require.NoError(t, c.Refresh(ctx))
	c.changed()
	require.NoError(t, mgr.Close())

	saved, err := state.Load(dir)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, a.ID(), saved.SeedID)
	require.Len(t, saved.Nodes, 2)
	require.Equal(t, b.ID(), saved.SlotMap[0])
	require.Equal(t, b.ID(), saved.SlotMap[8192])
	require.Equal(t, a.ID(), saved.SlotMap[1])
	require.Empty(t, saved.Migrations)
}

func TestDisconnect(t *testing.T) {
	fc := clustertest.Start(t, 3)
	seed := fc.Node(0)
	c, err := InitFromSeed(context.Background(), seed.Host(), seed.Port(), testConfig(t))
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, c.Refresh(ctx), slotctlerrors.ErrClosed)
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

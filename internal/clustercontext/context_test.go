package clustercontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
	"github.com/zjrosen/clusterd/internal/collab/memory"
	"github.com/zjrosen/clusterd/internal/config"
)

const (
	local clusterstate.Address = "A"
	peerB clusterstate.Address = "B"
	peerC clusterstate.Address = "C"
)

func newTestContext(t *testing.T, autoFence bool, fake *clock.Fake, peers map[clusterstate.Address]*memory.PeerHost) (*Context, *memory.Publisher, *memory.Requester) {
	t.Helper()
	mapper := memory.NewAddressMapper([]clusterstate.Address{local, peerB, peerC}, local)
	requester := memory.NewRequester(peers)
	publisher := memory.NewPublisher()
	parser := memory.NewParser(&config.RuleSet{})
	ctx := New(mapper, requester, publisher, parser, fake, autoFence, 10*time.Second)
	return ctx, publisher, requester
}

// Scenario 1: fencing on an unresponsive peer.
func TestContext_FencingOnUnresponsivePeer(t *testing.T) {
	start := time.Unix(100, 0)
	fake := clock.NewFake(start)

	hostB := memory.NewPeerHost()
	hostB.SetAddressView(local, clusterstate.AddressRunning)
	hostB.SetProcesses([]collab.ProcessInfo{
		{Group: "app1", Name: "p1", State: clusterstate.ProcessRunning},
	})

	ctx, _, _ := newTestContext(t, true, fake, map[clusterstate.Address]*memory.PeerHost{peerB: hostB})

	require.NoError(t, ctx.OnTick(peerB, start))
	status, ok := ctx.Address(peerB)
	require.True(t, ok)
	require.Equal(t, clusterstate.AddressRunning, status.State)
	require.True(t, status.Checked)

	// t=111: no further ticks; invoke on_timer.
	fake.Set(time.Unix(111, 0))
	ctx.OnTimer()
	require.Equal(t, clusterstate.AddressIsolating, status.State)

	isolated := ctx.HandleIsolation()
	require.Equal(t, []clusterstate.Address{peerB}, isolated)
	require.Equal(t, clusterstate.AddressIsolated, status.State)
}

// invalid() must publish the AddressStatus transition before the
// ProcessStatus transitions it triggers (spec.md §5 ordering guarantee).
func TestContext_InvalidPublishesAddressBeforeProcesses(t *testing.T) {
	start := time.Unix(100, 0)
	fake := clock.NewFake(start)

	hostB := memory.NewPeerHost()
	hostB.SetAddressView(local, clusterstate.AddressRunning)
	hostB.SetProcesses([]collab.ProcessInfo{
		{Group: "app1", Name: "p1", State: clusterstate.ProcessRunning},
	})

	ctx, publisher, _ := newTestContext(t, true, fake, map[clusterstate.Address]*memory.PeerHost{peerB: hostB})

	require.NoError(t, ctx.OnTick(peerB, start))

	ch := publisher.Subscribe(10)
	fake.Set(time.Unix(111, 0))
	ctx.OnTimer()

	first := <-ch
	addrStatus, ok := first.(clusterstate.AddressStatus)
	require.True(t, ok, "expected an AddressStatus publish first, got %T", first)
	require.Equal(t, clusterstate.AddressIsolating, addrStatus.State)

	second := <-ch
	_, ok = second.(clusterstate.ProcessStatus)
	require.True(t, ok, "expected a ProcessStatus publish second, got %T", second)
}

func TestContext_LocalAddressNeverIsolated(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ctx, _, _ := newTestContext(t, true, fake, map[clusterstate.Address]*memory.PeerHost{})

	status, ok := ctx.Address(local)
	require.True(t, ok)
	require.NoError(t, status.TransitionTo(clusterstate.AddressChecking))
	require.NoError(t, status.TransitionTo(clusterstate.AddressRunning))

	fake.Set(time.Unix(50, 0))
	status.LocalTime = time.Unix(0, 0)
	ctx.OnTimer()

	require.Equal(t, clusterstate.AddressSilent, status.State, "auto_fence never isolates the local address")
}

func TestContext_TickFromUnknownAddressIsDropped(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ctx, _, _ := newTestContext(t, false, fake, map[clusterstate.Address]*memory.PeerHost{})

	err := ctx.OnTick("ghost", time.Unix(0, 0))
	require.Error(t, err)
	var uae *clusterstate.UnknownAddressError
	require.ErrorAs(t, err, &uae)
}

// Round-trip: two successive on_tick(addr, t) with equal t do not
// spuriously flip the published state.
func TestContext_IdempotentTick(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	hostB := memory.NewPeerHost()
	hostB.SetProcesses([]collab.ProcessInfo{
		{Group: "app1", Name: "p1", State: clusterstate.ProcessRunning},
	})
	ctx, _, _ := newTestContext(t, false, fake, map[clusterstate.Address]*memory.PeerHost{peerB: hostB})

	when := time.Unix(5, 0)
	require.NoError(t, ctx.OnTick(peerB, when))
	status, _ := ctx.Address(peerB)
	require.Equal(t, clusterstate.AddressRunning, status.State)

	require.NoError(t, ctx.OnTick(peerB, when))
	require.Equal(t, clusterstate.AddressRunning, status.State, "repeating the same tick must not flip state")
}

// Scenario 6: conflict marking.
func TestContext_ConflictMarking(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	hostB := memory.NewPeerHost()
	hostB.SetProcesses([]collab.ProcessInfo{{Group: "app1", Name: "p1", State: clusterstate.ProcessRunning}})
	hostC := memory.NewPeerHost()
	hostC.SetProcesses([]collab.ProcessInfo{{Group: "app1", Name: "p1", State: clusterstate.ProcessRunning}})

	ctx, _, _ := newTestContext(t, false, fake, map[clusterstate.Address]*memory.PeerHost{peerB: hostB, peerC: hostC})

	require.NoError(t, ctx.OnTick(peerB, time.Unix(1, 0)))
	require.False(t, ctx.Conflicting())

	require.NoError(t, ctx.OnTick(peerC, time.Unix(1, 0)))
	require.True(t, ctx.Conflicting())

	proc, ok := ctx.Process(clusterstate.Namespec{AppName: "app1", ProcName: "p1"})
	require.True(t, ok)
	require.True(t, proc.MarkForRestart)
}

// Round-trip: a process event for a namespec no tick has ever introduced
// is dropped rather than creating stray state.
func TestContext_ProcessEventForUnknownProcessIsDropped(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ctx, _, _ := newTestContext(t, false, fake, map[clusterstate.Address]*memory.PeerHost{})

	proc, err := ctx.OnProcessEvent(local, ProcessEvent{GroupName: "app1", ProcessName: "p1", State: clusterstate.ProcessRunning})
	require.Nil(t, proc)
	require.Error(t, err)
	var upe *clusterstate.UnknownProcessError
	require.ErrorAs(t, err, &upe)
}

func TestContext_EndSynchroInvalidatesUnknown(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ctx, _, _ := newTestContext(t, false, fake, map[clusterstate.Address]*memory.PeerHost{})

	status, _ := ctx.Address(peerC)
	require.Equal(t, clusterstate.AddressUnknown, status.State)

	ctx.EndSynchro()
	require.Equal(t, clusterstate.AddressSilent, status.State)
}

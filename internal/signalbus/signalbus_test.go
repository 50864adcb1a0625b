package signalbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUT_SB_01_01_Publish_DeliversToSubscriber(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(NodeUpsertedInCache)

	bus.Publish(NodeUpsertedInCache, "payload-1")

	select {
	case sig := <-ch:
		require.Equal(t, NodeUpsertedInCache, sig.Kind)
		require.Equal(t, "payload-1", sig.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestUT_SB_01_02_Publish_DoesNotDeliverToOtherKind(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(NodeRemovedInCache)

	bus.Publish(NodeUpsertedInCache, "payload-1")

	select {
	case <-ch:
		t.Fatal("should not have received a signal for a different kind")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUT_SB_02_01_MultipleSubscribers_AllReceive(t *testing.T) {
	bus := New()
	ch1 := bus.Subscribe(CommandComplete)
	ch2 := bus.Subscribe(CommandComplete)

	bus.Publish(CommandComplete, 42)

	require.Equal(t, 42, (<-ch1).Payload)
	require.Equal(t, 42, (<-ch2).Payload)
}

func TestUT_SB_03_01_SubscribeFiltered_OnlyDeliversMatching(t *testing.T) {
	bus := New()
	ch := bus.SubscribeFiltered(NodeUpserted, func(s Signal) bool {
		return s.Payload.(int) > 10
	})

	bus.Publish(NodeUpserted, 5)
	bus.Publish(NodeUpserted, 20)

	select {
	case sig := <-ch:
		require.Equal(t, 20, sig.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered signal")
	}

	select {
	case sig := <-ch:
		t.Fatalf("unexpected second signal: %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUT_SB_04_01_Unsubscribe_StopsDelivery(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(DeregisterDisplayTree)
	bus.Unsubscribe(DeregisterDisplayTree, ch)

	bus.Publish(DeregisterDisplayTree, "tree-1")

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestUT_SB_05_01_Publish_NeverBlocksOnFullSubscriberBuffer(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(NodeNeedsSigCalc)

	for i := 0; i < DefaultBufferSize+10; i++ {
		bus.Publish(NodeNeedsSigCalc, i)
	}

	require.Len(t, ch, DefaultBufferSize)
}

func TestUT_SB_06_01_Kind_String_IsStable(t *testing.T) {
	require.Equal(t, "NODE_UPSERTED_IN_CACHE", NodeUpsertedInCache.String())
	require.Equal(t, "DOWNLOAD_FROM_GDRIVE_DONE", DownloadFromGDriveDone.String())
}

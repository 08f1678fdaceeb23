package resend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

func storedMessage(ts int64, seq int, publisher, chain string) types.StreamMessage {
	return types.StreamMessage{
		ID: types.MessageID{
			StreamID:       "stream-1",
			Partition:      0,
			Timestamp:      ts,
			SequenceNumber: seq,
			PublisherID:    publisher,
			MsgChainID:     chain,
		},
		Content: []byte(`{}`),
	}
}

func collect(t *testing.T, ch <-chan types.StreamMessage) []types.StreamMessage {
	t.Helper()
	var out []types.StreamMessage
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}

func streamKey1(t *testing.T) types.StreamKey {
	t.Helper()
	k, err := types.ParseStreamKey("stream-1::0")
	require.NoError(t, err)
	return k
}

func TestMemoryStoreLast(t *testing.T) {
	store := NewMemoryStore(0)
	// 乱序写入，按引用序读出
	store.Add(storedMessage(300, 0, "p", "c"))
	store.Add(storedMessage(100, 0, "p", "c"))
	store.Add(storedMessage(200, 0, "p", "c"))

	msgs := collect(t, store.Fetch(context.Background(), protocol.ResendLastRequest{
		RequestID: "r1", Key: streamKey1(t), NumberLast: 2,
	}))
	require.Len(t, msgs, 2)
	require.EqualValues(t, 200, msgs[0].ID.Timestamp)
	require.EqualValues(t, 300, msgs[1].ID.Timestamp)
}

func TestMemoryStoreDedupAndEviction(t *testing.T) {
	store := NewMemoryStore(2)
	store.Add(storedMessage(100, 0, "p", "c"))
	store.Add(storedMessage(100, 0, "p", "c"))
	require.Equal(t, 1, store.Size(streamKey1(t)))

	store.Add(storedMessage(200, 0, "p", "c"))
	store.Add(storedMessage(300, 0, "p", "c"))

	// 超出上限时最旧的消息被淘汰
	require.Equal(t, 2, store.Size(streamKey1(t)))
	msgs := collect(t, store.Fetch(context.Background(), protocol.ResendLastRequest{
		RequestID: "r1", Key: streamKey1(t), NumberLast: 10,
	}))
	require.EqualValues(t, 200, msgs[0].ID.Timestamp)
}

func TestMemoryStoreFrom(t *testing.T) {
	store := NewMemoryStore(0)
	store.Add(storedMessage(100, 0, "p1", "c"))
	store.Add(storedMessage(200, 0, "p1", "c"))
	store.Add(storedMessage(200, 1, "p2", "c"))

	msgs := collect(t, store.Fetch(context.Background(), protocol.ResendFromRequest{
		RequestID: "r1", Key: streamKey1(t),
		From:        types.MessageRef{Timestamp: 200},
		PublisherID: "p1",
	}))
	require.Len(t, msgs, 1)
	require.Equal(t, "p1", msgs[0].ID.PublisherID)
}

func TestMemoryStoreRange(t *testing.T) {
	store := NewMemoryStore(0)
	for ts := int64(100); ts <= 500; ts += 100 {
		store.Add(storedMessage(ts, 0, "p", "c"))
	}

	msgs := collect(t, store.Fetch(context.Background(), protocol.ResendRangeRequest{
		RequestID: "r1", Key: streamKey1(t),
		From: types.MessageRef{Timestamp: 200},
		To:   types.MessageRef{Timestamp: 400},
	}))
	require.Len(t, msgs, 3)
}

func TestMemoryStoreFetchCancel(t *testing.T) {
	store := NewMemoryStore(0)
	for ts := int64(1); ts <= 100; ts++ {
		store.Add(storedMessage(ts, 0, "p", "c"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := store.Fetch(ctx, protocol.ResendLastRequest{RequestID: "r1", Key: streamKey1(t), NumberLast: 100})
	<-ch
	cancel()

	// 取消后通道最终关闭
	for range ch {
	}
}

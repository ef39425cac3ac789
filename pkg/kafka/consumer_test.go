package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader hands out msgs in order, then blocks until ctx ends.
type scriptedReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs int
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerCommitsEveryMessage(t *testing.T) {
	r := &scriptedReader{
		fetchErrs: 1,
		msgs: []kafka.Message{
			{Offset: 1, Key: []byte("a"), Value: []byte(`{"action":"process"}`)},
			{Offset: 2, Key: []byte("b"), Value: []byte(`boom`)},
			{Offset: 3, Key: []byte("c"), Value: []byte(`panic`)},
		},
	}
	var seen []string
	c := NewConsumerWithReader(r, "ingestion.commands", func(ctx context.Context, key, value []byte) error {
		seen = append(seen, string(key))
		switch string(value) {
		case "boom":
			return errors.New("handler failed")
		case "panic":
			panic("unexpected")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.NoError(t, c.Close())
}

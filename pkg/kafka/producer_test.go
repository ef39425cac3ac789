package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishBatchEncodesEvents(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, "ingestion.file.processed")

	err := p.PublishBatch(context.Background(), []Event{
		{Key: "F1.xml", Type: "file.processed", Value: map[string]any{"status": "OK"}},
		{Key: "F2.xml", Value: map[string]any{"status": "FAILED"}},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "F1.xml", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"status":"OK"}`, string(w.msgs[0].Value))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "file.processed", string(w.msgs[0].Headers[0].Value))
	assert.Empty(t, w.msgs[1].Headers)
}

func TestPublishBatchPropagatesWriterError(t *testing.T) {
	p := NewProducerWithWriter(&recordingWriter{err: errors.New("broker down")}, "t")
	err := p.PublishBatch(context.Background(), []Event{{Key: "k", Value: 1}})
	assert.ErrorContains(t, err, "broker down")
}

func TestPublishBatchRejectsUnencodable(t *testing.T) {
	p := NewProducerWithWriter(&recordingWriter{}, "t")
	err := p.PublishBatch(context.Background(), []Event{{Key: "k", Value: make(chan int)}})
	assert.ErrorContains(t, err, "marshaling event value")
}

func TestDecodeJSON(t *testing.T) {
	type cmd struct {
		Action string `json:"action"`
	}
	c, err := DecodeJSON[cmd]([]byte(`{"action":"poll"}`))
	require.NoError(t, err)
	assert.Equal(t, "poll", c.Action)

	_, err = DecodeJSON[cmd]([]byte(`{`))
	assert.Error(t, err)
}

package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "github.com/hensulabs/hensu/features/stream/pulse/clients/pulse"
	"github.com/hensulabs/hensu/runtime/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	pulseSink := &fakePulseSink{
		ch: eventCh,
		ack: func(_ context.Context, evt *streaming.Event) error {
			require.Equal(t, "1-0", evt.ID)
			return nil
		},
	}
	str := &fakeStream{
		newSink: func(_ context.Context, name string) (clientspulse.Sink, error) {
			require.Equal(t, "hensu_subscriber", name)
			return pulseSink, nil
		},
	}
	cli := &fakeClient{
		stream: func(name string) (clientspulse.Stream, error) {
			require.Equal(t, "exec/exec-1", name)
			return str, nil
		},
	}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "exec/exec-1")
	require.NoError(t, err)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{
		"type":         "node.completed",
		"execution_id": "exec-1",
		"timestamp":    time.Now().UTC(),
		"payload":      map[string]any{"nodeId": "work", "success": true},
	})
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, stream.EventNodeCompleted, e.Type())
	require.Equal(t, "exec-1", e.ExecutionID())
	body := make(map[string]any)
	require.NoError(t, json.Unmarshal(e.Payload().(json.RawMessage), &body))
	require.Equal(t, "work", body["nodeId"])
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	pulseSink := &fakePulseSink{ch: eventCh}
	str := &fakeStream{
		newSink: func(context.Context, string) (clientspulse.Sink, error) {
			return pulseSink, nil
		},
	}
	cli := &fakeClient{
		stream: func(string) (clientspulse.Stream, error) { return str, nil },
	}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (stream.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "exec/exec-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}

package pubsub

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) { return r.id, r.err }

func TestPublishEncodesPayload(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) result {
		got = msg
		return fakeResult{id: "msg-1"}
	}}

	id, err := p.Publish(context.Background(), "run.completed", map[string]string{"store": "walmart"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"store":"walmart"}`, string(got.Data))
	assert.Equal(t, "run.completed", got.Attributes["event"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	p := &Publisher{publish: func(context.Context, *pubsub.Message) result {
		return fakeResult{err: errors.New("unavailable")}
	}}
	_, err = p.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "unavailable")

	_, err = p.Publish(context.Background(), "", make(chan int))
	require.ErrorContains(t, err, "marshal")

	_, err = New(nil)
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}

package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/queue/memory"
)

type ctxSink struct {
	ctx context.Context
	res []crawler.CrowdResult
	err error
}

func (s *ctxSink) Enqueue(ctx context.Context, res crawler.CrowdResult) error {
	s.ctx = ctx
	if s.err != nil {
		return s.err
	}
	s.res = append(s.res, res)
	return nil
}

const validResult = `{"queue_id":{"priority":2,"protocol":"https","host":"example.com"},"item_id":41,
"page":{"url":"https://example.com/a","protocol":{"code":"success"},"status_code":200}}`

func TestDecode(t *testing.T) {
	t.Parallel()

	res, err := Decode([]byte(validResult))
	require.NoError(t, err)
	require.Equal(t, crawler.QueueID{Priority: 2, Protocol: "https", Host: "example.com"}, res.QueueID)
	require.Equal(t, int64(41), res.ItemID)
	require.Equal(t, crawler.ProtocolSuccess, res.Page.Protocol.Code)

	_, err = Decode([]byte("{"))
	require.ErrorIs(t, err, errPoison)
	_, err = Decode([]byte(`{"item_id":3}`))
	require.ErrorIs(t, err, errPoison)
}

func TestProcessFeedsSink(t *testing.T) {
	t.Parallel()

	q := memory.NewResultQueue(2)
	s := New(nil, q, nil)
	require.NoError(t, s.process(context.Background(), []byte(validResult), nil))

	res, ok := q.TryDequeue()
	require.True(t, ok)
	require.Equal(t, int64(41), res.ItemID)
}

func TestProcessClassifiesErrors(t *testing.T) {
	t.Parallel()

	s := New(nil, &ctxSink{err: errors.New("full")}, nil)
	err := s.process(context.Background(), []byte(validResult), nil)
	require.ErrorContains(t, err, "enqueue crowd result: full")
	require.NotErrorIs(t, err, errPoison)

	err = s.process(context.Background(), []byte("not json"), nil)
	require.ErrorIs(t, err, errPoison)
}

func TestProcessRestoresTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sink := &ctxSink{}
	s := New(nil, sink, nil)
	attrs := map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	require.NoError(t, s.process(context.Background(), []byte(validResult), attrs))

	sc := trace.SpanContextFromContext(sink.ctx)
	require.True(t, sc.IsValid())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
}

func TestRunWithoutSubscriber(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, &ctxSink{}, nil).Run(context.Background()))
}

package bedrock

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// EventStream is the subset of the SDK event stream the adapter reads.
type EventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type sdkInvoker struct {
	client *bedrockruntime.Client
}

func NewInvoker(client *bedrockruntime.Client) Invoker {
	return sdkInvoker{client: client}
}

func (s sdkInvoker) Invoke(ctx context.Context, modelID string, body []byte) (EventStream, error) {
	output, err := s.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return output.GetStream(), nil
}

// eventReader presents payload chunks as SSE data lines so the Claude
// decoder and the shared pump can consume them unchanged.
type eventReader struct {
	events EventStream
	buf    []byte
}

func newEventReader(events EventStream) *eventReader {
	return &eventReader{events: events}
}

func (r *eventReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		event, ok := <-r.events.Events()
		if !ok {
			if err := r.events.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		if chunk, ok := event.(*types.ResponseStreamMemberChunk); ok && len(chunk.Value.Bytes) > 0 {
			r.buf = append(r.buf, "data: "...)
			r.buf = append(r.buf, chunk.Value.Bytes...)
			r.buf = append(r.buf, '\n', '\n')
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *eventReader) Close() error {
	return r.events.Close()
}

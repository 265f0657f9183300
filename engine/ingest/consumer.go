package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectIngest carries ingest requests to a serving process.
	SubjectIngest = "docsage.ingest"
	// SubjectIndexPublished carries IndexPublished events.
	SubjectIndexPublished = "docsage.index.published"
	// QueueGroup spreads ingest requests across processes.
	QueueGroup = "docsage-ingest"
)

// Reply is the wire answer to an ingest request.
type Reply struct {
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Kind   string  `json:"kind,omitempty"`
}

// RemoteError is a failure reported by the process that ran the ingest.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// StartConsumer serves ingest requests from NATS with p.
func StartConsumer(nc *nats.Conn, p *Pipeline) (*nats.Subscription, error) {
	return natsutil.Handle(nc, SubjectIngest, QueueGroup,
		func(ctx context.Context, req Request) (Reply, error) {
			res, err := p.Run(ctx, req)
			if err != nil {
				return Reply{}, err
			}
			return Reply{Result: res}, nil
		},
		func(err error) Reply {
			kind := domain.KindOf(err).String()
			if errors.Is(err, index.ErrRebuildInProgress) {
				kind = "RebuildInProgress"
			}
			return Reply{Error: err.Error(), Kind: kind}
		},
	)
}

// Remote asks a serving process to run req and waits for the outcome.
func Remote(ctx context.Context, nc *nats.Conn, req Request) (*Result, error) {
	rep, err := natsutil.Request[Request, Reply](ctx, nc, SubjectIngest, req)
	if err != nil {
		return nil, fmt.Errorf("ingest: remote: %w", err)
	}
	if rep.Error != "" {
		return nil, &RemoteError{Kind: rep.Kind, Message: rep.Error}
	}
	if rep.Result == nil {
		return nil, errors.New("ingest: remote: empty reply")
	}
	return rep.Result, nil
}

// NATSPublisher broadcasts IndexPublished events.
type NATSPublisher struct {
	NC *nats.Conn
}

func (n NATSPublisher) PublishIndex(ctx context.Context, ev IndexPublished) error {
	return natsutil.Publish(ctx, n.NC, SubjectIndexPublished, ev)
}

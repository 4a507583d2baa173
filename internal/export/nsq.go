package export

import (
	"context"
	"errors"
	"strings"

	"github.com/nsqio/go-nsq"

	logx "msgrouter/pkg/logx"
)

// Enqueuer publishes one payload to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
	Close()
}

type NSQProducer struct {
	p     *nsq.Producer
	topic string
}

// NewNSQProducer connects lazily: the first Enqueue dials nsqd.
func NewNSQProducer(addr, topic string, log logx.Logger) (*NSQProducer, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("export: nsq topic is required")
	}
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLogger(nsqLogger{log: log}, nsq.LogLevelWarning)
	return &NSQProducer{p: p, topic: topic}, nil
}

func (n *NSQProducer) Enqueue(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("export: empty payload")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// go-nsq Publish takes no context.
	return n.p.Publish(n.topic, payload)
}

func (n *NSQProducer) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}

// nsqLogger routes go-nsq's internal logging into logx.
type nsqLogger struct {
	log logx.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Warn("nsq", logx.String("msg", s))
	return nil
}

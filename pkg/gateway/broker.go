package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
)

// Broker carries routed envelopes between gateway instances. Every instance
// receives every published envelope and delivers it to its own clients.
type Broker interface {
	Publish(ctx context.Context, env model.Envelope) error
	Messages() <-chan model.Envelope
	Close() error
}

// MemoryBroker loops envelopes back to the same process. It serves single
// instance deployments and tests.
type MemoryBroker struct {
	ch        chan model.Envelope
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{ch: make(chan model.Envelope, buffer), done: make(chan struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, env model.Envelope) error {
	select {
	case <-b.done:
		return errors.New("broker closed")
	default:
	}
	select {
	case b.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return errors.New("broker closed")
	}
}

func (b *MemoryBroker) Messages() <-chan model.Envelope { return b.ch }

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// KafkaBroker publishes envelopes to a topic keyed by channel id and reads
// the topic back with a per-instance consumer group, so each gateway sees
// the full stream.
type KafkaBroker struct {
	writer *kafka.Writer
	reader *kafka.Reader
	out    chan model.Envelope
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaBroker(brokers []string, topic, instanceID string, log *zap.Logger) *KafkaBroker {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-" + instanceID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBroker{
		writer: writer,
		reader: reader,
		out:    make(chan model.Envelope, 256),
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.consume(ctx)
	return b
}

func (b *KafkaBroker) consume(ctx context.Context) {
	defer close(b.done)
	defer close(b.out)
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("kafka read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		env, err := model.DecodeEnvelope(m.Value)
		if err != nil {
			b.log.Warn("skipping undecodable record", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		select {
		case b.out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, env model.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.ChannelID),
		Value: data,
		Time:  env.Time(),
	})
	return errors.Wrap(err, "kafka publish")
}

func (b *KafkaBroker) Messages() <-chan model.Envelope { return b.out }

func (b *KafkaBroker) Close() error {
	b.cancel()
	<-b.done
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return errors.Wrap(werr, "close kafka writer")
	}
	return errors.Wrap(rerr, "close kafka reader")
}

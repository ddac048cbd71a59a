package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/averos/backstop/internal/models"
)

// EventBusDriver captures the topology metadata of a NATS JetStream
// deployment: stream (topic) definitions and their durable consumer groups.
// Message payloads are deliberately not exported; restore re-creates the
// topology so producers and consumers can reconnect, it does not replay logs.
type EventBusDriver struct {
	connect func(url string) (jetStream, func(), error)
}

type jetStream interface {
	StreamsInfo(opts ...nats.JSOpt) <-chan *nats.StreamInfo
	ConsumersInfo(stream string, opts ...nats.JSOpt) <-chan *nats.ConsumerInfo
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// NewEventBusDriver creates the event-bus driver.
func NewEventBusDriver() *EventBusDriver {
	return &EventBusDriver{connect: dialJetStream}
}

func dialJetStream(url string) (jetStream, func(), error) {
	nc, err := nats.Connect(url, nats.Name("backstop"), nats.Timeout(10*time.Second))
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return js, nc.Close, nil
}

func (d *EventBusDriver) Kind() models.StoreKind { return models.StoreEventBus }
func (d *EventBusDriver) Ext() string            { return "json" }

type busConsumer struct {
	Name          string `json:"name"`
	FilterSubject string `json:"filterSubject,omitempty"`
	DeliverGroup  string `json:"deliverGroup,omitempty"`
}

type busStream struct {
	Name      string        `json:"name"`
	Subjects  []string      `json:"subjects"`
	Consumers []busConsumer `json:"consumers"`
}

type busTopology struct {
	ExportedAt time.Time   `json:"exportedAt"`
	Streams    []busStream `json:"streams"`
}

func (d *EventBusDriver) Dump(ctx context.Context, target models.Target, destPath string) error {
	js, closeFn, err := d.connect(target.Conn.URL)
	if err != nil {
		return models.WrapFailure(models.ErrConnection, "target %s: %v", target.ID, err)
	}
	defer closeFn()

	topo := busTopology{ExportedAt: time.Now().UTC()}
	for info := range js.StreamsInfo(nats.Context(ctx)) {
		stream := busStream{Name: info.Config.Name, Subjects: info.Config.Subjects}
		for ci := range js.ConsumersInfo(info.Config.Name, nats.Context(ctx)) {
			stream.Consumers = append(stream.Consumers, busConsumer{
				Name:          ci.Name,
				FilterSubject: ci.Config.FilterSubject,
				DeliverGroup:  ci.Config.DeliverGroup,
			})
		}
		topo.Streams = append(topo.Streams, stream)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("target %s: could not create topology file: %w", target.ID, err)
	}
	defer out.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(topo); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "target %s: could not write topology: %v", target.ID, err)
	}
	return out.Close()
}

func (d *EventBusDriver) Restore(ctx context.Context, target models.Target, artifactPath string) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: cannot read artifact: %v", target.ID, err)
	}
	var topo busTopology
	if err := json.Unmarshal(data, &topo); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: corrupt topology artifact: %v", target.ID, err)
	}

	js, closeFn, err := d.connect(target.Conn.URL)
	if err != nil {
		return models.WrapFailure(models.ErrConnection, "target %s: %v", target.ID, err)
	}
	defer closeFn()

	for _, stream := range topo.Streams {
		_, err := js.AddStream(&nats.StreamConfig{Name: stream.Name, Subjects: stream.Subjects}, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return models.WrapFailure(models.ErrRestoreFailed, "target %s: stream %s: %v", target.ID, stream.Name, err)
		}
		for _, consumer := range stream.Consumers {
			_, err := js.AddConsumer(stream.Name, &nats.ConsumerConfig{
				Durable:       consumer.Name,
				FilterSubject: consumer.FilterSubject,
				DeliverGroup:  consumer.DeliverGroup,
				AckPolicy:     nats.AckExplicitPolicy,
			}, nats.Context(ctx))
			if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
				return models.WrapFailure(models.ErrRestoreFailed, "target %s: consumer %s/%s: %v", target.ID, stream.Name, consumer.Name, err)
			}
		}
	}
	return nil
}

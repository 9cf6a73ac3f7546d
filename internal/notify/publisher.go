package notify

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Color is the UI hint attached to a notification.
type Color string

const (
	ColorWhite  Color = "white"
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
)

// Notification is a short user-facing message.
type Notification struct {
	Message string `json:"message"`
	Color   Color  `json:"color"`
}

// Notifier sends user-facing notifications.
type Notifier interface {
	Notify(message string, color Color)
}

// Publisher serializes typed messages onto a Sink.
type Publisher struct {
	sink   Sink
	logger logrus.FieldLogger
}

var _ Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher writing to sink.
func NewPublisher(sink Sink, logger logrus.FieldLogger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "publisher")
	}
	return &Publisher{sink: sink, logger: logger}
}

// Notify broadcasts {"notification":{"message":...,"color":...}}.
func (p *Publisher) Notify(message string, color Color) {
	p.publish(struct {
		Notification Notification `json:"notification"`
	}{Notification{Message: message, Color: color}})
}

// Positions broadcasts {"positions":[...]}.
func (p *Publisher) Positions(positions []PositionView) {
	if positions == nil {
		positions = []PositionView{}
	}
	p.publish(struct {
		Positions []PositionView `json:"positions"`
	}{positions})
}

// Snapshot broadcasts v as-is.
func (p *Publisher) Snapshot(v any) {
	p.publish(v)
}

func (p *Publisher) publish(v any) {
	if p.sink == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.WithError(err).Warn("failed to encode broadcast")
		return
	}
	p.sink.Broadcast(data)
}

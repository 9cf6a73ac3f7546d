package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/retry"
)

const (
	streamBuffer      = 64
	streamReadTimeout = 90 * time.Second
	handshakeTimeout  = 10 * time.Second
)

type sessionCreator interface {
	CreateAccountSessionCtx(ctx context.Context) (*StreamSessionResponse, error)
}

type streamSubscription struct {
	SessionID string   `json:"sessionid"`
	Events    []string `json:"events"`
}

// accountStream keeps one websocket to the account events endpoint alive and
// forwards order events to out. It owns out and closes it on return.
type accountStream struct {
	sessions sessionCreator
	logger   logrus.FieldLogger
	out      chan<- models.FillEvent
	sleep    retry.SleepFunc
	backoff  *retry.Backoff
	dialer   *websocket.Dialer
	url      string
}

func (s *accountStream) run(ctx context.Context) {
	defer close(s.out)
	if s.sleep == nil {
		s.sleep = retry.Sleep
	}
	if s.backoff == nil {
		s.backoff = retry.DefaultBackoff()
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}

	for ctx.Err() == nil {
		err := s.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := s.backoff.Next()
		s.logger.WithError(err).WithField("retry_in", wait.String()).Warn("account stream disconnected")
		if err := s.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// streamOnce opens a session, subscribes and pumps frames until the
// connection fails or ctx is done.
func (s *accountStream) streamOnce(ctx context.Context) error {
	session, err := s.sessions.CreateAccountSessionCtx(ctx)
	if err != nil {
		return fmt.Errorf("create account session: %w", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := streamSubscription{SessionID: session.Stream.SessionID, Events: []string{"order"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.WithField("url", s.url).Info("account stream connected")
	s.backoff.Reset()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		event, ok, err := decodeAccountEvent(message)
		if err != nil {
			s.logger.WithError(err).Warn("failed to decode account event")
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.out <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type accountEvent struct {
	ID                json.Number `json:"id"`
	Event             string      `json:"event"`
	Status            string      `json:"status"`
	Type              string      `json:"type"`
	Tag               string      `json:"tag"`
	TransactionDate   string      `json:"transaction_date"`
	Price             float64     `json:"price"`
	StopPrice         float64     `json:"stop_price"`
	AvgFillPrice      float64     `json:"avg_fill_price"`
	ExecQuantity      *float64    `json:"exec_quantity"`
	ExecutedQuantity  *float64    `json:"executed_quantity"`
	LastFillQuantity  float64     `json:"last_fill_quantity"`
	RemainingQuantity float64     `json:"remaining_quantity"`
}

// decodeAccountEvent parses one stream frame. Heartbeats and non-order
// events report ok=false.
func decodeAccountEvent(frame []byte) (models.FillEvent, bool, error) {
	var raw accountEvent
	if err := json.Unmarshal(frame, &raw); err != nil {
		return models.FillEvent{}, false, err
	}
	if !strings.EqualFold(raw.Event, "order") {
		return models.FillEvent{}, false, nil
	}
	if raw.Status == "" {
		return models.FillEvent{}, false, errors.New("order event without status")
	}

	exec := raw.ExecQuantity
	if exec == nil {
		exec = raw.ExecutedQuantity
	}
	var execQty int
	if exec != nil {
		execQty = int(math.Round(*exec))
	}

	return models.FillEvent{
		BrokerID:          raw.ID.String(),
		Tag:               raw.Tag,
		Status:            raw.Status,
		Type:              raw.Type,
		TransactionDate:   raw.TransactionDate,
		AvgFillPrice:      decimal.NewFromFloat(raw.AvgFillPrice),
		Price:             decimal.NewFromFloat(raw.Price),
		StopPrice:         decimal.NewFromFloat(raw.StopPrice),
		ExecQuantity:      execQty,
		LastFillQuantity:  int(math.Round(raw.LastFillQuantity)),
		RemainingQuantity: int(math.Round(raw.RemainingQuantity)),
	}, true, nil
}

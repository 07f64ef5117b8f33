// Package alerts delivers operator alerts to a Telegram chat. It backs the
// logger's alert sink, so a delivery stall must never block a log call.
package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "teampush/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram implements logx.AlertSender. SendAlert hands the message to a
// background worker through a small buffer; overflow drops the alert.
type Telegram struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger

	queue chan string
	done  chan struct{}
}

const (
	queueSize   = 32
	sendTimeout = 10 * time.Second
	// Telegram caps messages at 4096 chars; alerts are short by nature,
	// anything longer gets cut.
	maxAlertLen = 3500
)

func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}

	t := &Telegram{
		cfg:   cfg,
		bot:   b,
		log:   log,
		queue: make(chan string, queueSize),
		done:  make(chan struct{}),
	}
	go t.worker()
	return t, nil
}

// SendAlert queues the message without blocking. Called from the log path.
func (t *Telegram) SendAlert(msg string) {
	if t == nil {
		return
	}
	if len(msg) > maxAlertLen {
		msg = msg[:maxAlertLen] + "…"
	}
	select {
	case t.queue <- msg:
	default:
		// Queue full: the log line itself still lands in the sinks.
	}
}

func (t *Telegram) Close() {
	close(t.queue)
	<-t.done
}

func (t *Telegram) worker() {
	defer close(t.done)
	chat := &tele.Chat{ID: t.cfg.ChatID}
	for msg := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := t.send(ctx, chat, msg)
		cancel()
		if err != nil {
			t.log.Debug("alert delivery failed", logx.Err(err))
		}
	}
}

func (t *Telegram) send(ctx context.Context, chat *tele.Chat, msg string) error {
	_ = ctx
	opt := &tele.SendOptions{DisableWebPagePreview: true}
	if t.cfg.ThreadID != 0 {
		opt.ThreadID = t.cfg.ThreadID
	}
	_, err := t.bot.Send(chat, msg, opt)
	return err
}

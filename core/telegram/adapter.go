package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/orchestrator"
	"github.com/m3rciful/salesbot/core/store"
	tgsender "github.com/m3rciful/salesbot/core/telegram/sender"
)

// ChannelID is the channel identifier recorded on contacts, conversations,
// and messages that travel through this adapter.
const ChannelID = "telegram"

// ErrNotRunning is returned by Deliver before the bot has been attached.
var ErrNotRunning = errors.New("telegram: bot not running")

// Adapter bridges the Telegram transport and the orchestrator. Inbound
// updates are resolved to platform contacts and handed to the orchestrator;
// outbound deliveries are enqueued on the dispatcher. The adapter is
// created before the bot so the orchestrator can hold it as its Deliverer;
// attach wires the running bot in.
type Adapter struct {
	contacts   store.ContactStore
	dispatcher *tgsender.Dispatcher

	mu  sync.RWMutex
	bot *tele.Bot
}

func NewAdapter(contacts store.ContactStore, dispatcher *tgsender.Dispatcher) *Adapter {
	return &Adapter{contacts: contacts, dispatcher: dispatcher}
}

func (a *Adapter) attach(bot *tele.Bot) {
	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
}

func (a *Adapter) botRef() *tele.Bot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot
}

// Deliver implements orchestrator.Deliverer: it resolves the conversation's
// contact to a Telegram chat and enqueues the send. Enqueue failure is the
// only synchronous error; transport retries happen inside the dispatcher.
func (a *Adapter) Deliver(ctx context.Context, conv *model.Conversation, content string) error {
	bot := a.botRef()
	if bot == nil {
		return ErrNotRunning
	}
	contact, err := a.contacts.GetContact(ctx, conv.ContactID)
	if err != nil {
		return fmt.Errorf("resolve contact %s: %w", conv.ContactID, err)
	}
	chatID, err := strconv.ParseInt(contact.ExternalID, 10, 64)
	if err != nil {
		return fmt.Errorf("contact %s: bad telegram id %q: %w", contact.ID, contact.ExternalID, err)
	}
	recipient := &tele.User{ID: chatID}
	return a.dispatcher.Enqueue(ctx, "send_message", "sendMessage", func() error {
		_, sendErr := bot.Send(recipient, content)
		return sendErr
	})
}

// resolveContact finds or registers the contact for a Telegram sender.
func (a *Adapter) resolveContact(ctx context.Context, sender *tele.User) (*model.Contact, error) {
	externalID := strconv.FormatInt(sender.ID, 10)
	contact, err := a.contacts.GetContactByExternalID(ctx, externalID, ChannelID)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup contact: %w", err)
	}

	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	if name == "" {
		name = sender.Username
	}
	contact, err = a.contacts.CreateContact(ctx, model.Contact{
		ExternalID: externalID,
		Name:       logger.SanitizeLimit(name, 128),
		ChannelID:  ChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	logger.Info(ctx, "tg", "contact.create",
		slog.String("contact_id", contact.ID),
		slog.String("external_id", externalID),
	)
	return contact, nil
}

// textHandler returns the bot handler for plain text messages. Handler
// errors are logged, never returned, so telebot does not retry the update.
func (a *Adapter) textHandler(orch *orchestrator.Orchestrator) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || sender.IsBot {
			return nil
		}
		text := strings.TrimSpace(c.Text())
		if text == "" {
			return nil
		}

		ctx := logger.WithRID(context.Background(), logger.BuildRID(ChannelID, c.Update().ID, sender.ID))
		ctx = logger.WithHandler(ctx, "text")

		contact, err := a.resolveContact(ctx, sender)
		if err != nil {
			logger.Error(ctx, "tg", "contact.resolve.fail",
				slog.Int64("sender_id", sender.ID),
				slog.String("err", err.Error()),
			)
			return nil
		}

		if _, err := orch.HandleIncomingMessage(ctx, orchestrator.IncomingMessage{
			ContactID: contact.ID,
			ChannelID: ChannelID,
			Content:   text,
		}); err != nil {
			logger.Error(ctx, "tg", "message.handle.fail",
				slog.String("contact_id", contact.ID),
				slog.String("err", err.Error()),
			)
		}
		return nil
	}
}

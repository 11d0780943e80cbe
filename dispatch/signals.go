package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/store"
)

func (d *Dispatcher) handleReceipt(ctx context.Context, env *protocol.Envelope, r *protocol.Receipt) <-chan error {
	if !d.config.ReadReceipts {
		return settled(drop("read receipts disabled"))
	}
	if r.Type != protocol.ReceiptRead {
		return settled(drop("delivery receipt"))
	}
	if len(r.TimestampsMs) == 0 {
		return settled(drop("empty receipt"))
	}
	timestamps := make([]int64, len(r.TimestampsMs))
	for i, ts := range r.TimestampsMs {
		timestamps[i] = int64(ts)
	}

	author := env.Author()
	return d.runInConversation(ctx, author.String(), fmt.Sprintf("read receipt from %s", author), "receipt", func(patches map[string]notify.Patch) error {
		touched, err := d.store.MarkReadByRecipient(d.us.String(), author.String(), timestamps)
		if err != nil {
			return err
		}
		for _, id := range touched {
			patchFor(patches, id)[notify.KeyReadByRecipient] = true
		}
		return nil
	})
}

func (d *Dispatcher) handleTyping(ctx context.Context, env *protocol.Envelope, t *protocol.Typing) <-chan error {
	if !d.config.TypingIndicators {
		return settled(drop("typing indicators disabled"))
	}
	if env.IsGroup() || env.IsCommunity() {
		return settled(drop("typing outside private conversation"))
	}
	if t.TimestampMs != 0 && env.TimestampMs != 0 && t.TimestampMs != env.TimestampMs {
		return settled(drop("typing timestamp mismatch"))
	}

	id := env.Author().String()
	started := t.Action == protocol.TypingStarted
	return d.queues.Enqueue(ctx, id, "typing", func(ctx context.Context) error {
		if d.setTyping(id, started) {
			d.publish(map[string]notify.Patch{id: {notify.KeyTyping: started}})
		}
		return nil
	})
}

func (d *Dispatcher) handleCall(env *protocol.Envelope, call *protocol.Call) error {
	if env.Author() == d.us && call.Type != protocol.CallAnswer && call.Type != protocol.CallEndCall {
		return drop("own call")
	}
	switch call.Type {
	case protocol.CallProvisionalAnswer, protocol.CallPreOffer:
		return drop("unused call type")
	case protocol.CallOffer:
		if d.store.NowMs()-int64(env.TimestampMs) > d.config.CallOfferTTL.Milliseconds() {
			return drop("expired call offer")
		}
	}
	if d.external.Calls == nil {
		return drop("calls unsupported")
	}
	if err := d.external.Calls.HandleCall(env, call); err != nil {
		return err
	}
	d.committed("call")
	return nil
}

func (d *Dispatcher) handleUnsend(ctx context.Context, env *protocol.Envelope, u *protocol.Unsend) <-chan error {
	author := env.Author()
	if u.Author != author.String() {
		return settled(drop("unsend by another author"))
	}
	if u.TimestampMs == 0 {
		return settled(drop("unsend without timestamp"))
	}

	id, _ := d.conversationFor(env, "")
	label := fmt.Sprintf("unsend from %s of %d", author, u.TimestampMs)
	return d.runInConversation(ctx, id, label, "unsend", func(patches map[string]notify.Patch) error {
		m, err := d.store.MessageBySenderAndSentAt(u.Author, int64(u.TimestampMs))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return drop("unsend target missing")
			}
			return err
		}
		if m.Direction == store.DirectionOutgoing {
			err = d.store.DeleteMessage(m.ID)
		} else {
			err = d.store.MarkMessageDeleted(m.ID)
		}
		if err != nil {
			return err
		}
		patchFor(patches, m.ConversationID)[notify.KeyMessageDeleted] = m.MessageID().String()
		if hooks := d.external.Hooks; hooks != nil && m.MessageHash != "" {
			hash := m.MessageHash
			d.store.AfterCommit(func() { hooks.MessageUnsent(hash) })
		}
		return nil
	})
}

func (d *Dispatcher) handleMessageRequestResponse(ctx context.Context, env *protocol.Envelope, r *protocol.MessageRequestResponse) <-chan error {
	if env.IsGroup() || env.IsCommunity() {
		return settled(drop("approval outside private conversation"))
	}
	if !r.IsApproved {
		return settled(drop("message request not approved"))
	}
	author := env.Author()
	if !author.IsStandard() {
		return settled(drop("approval from non standard key"))
	}

	sentAt := int64(env.TimestampMs)
	label := fmt.Sprintf("message request response from %s", author)
	return d.runInConversation(ctx, author.String(), label, "message_request_response", func(patches map[string]notify.Patch) error {
		if r.Profile != nil && len(r.ProfileKey) != 0 {
			if err := d.updateProfile(author, r.Profile, patches); err != nil {
				return err
			}
		}
		c, _, err := d.store.ConversationOrCreate(author.String(), store.ConversationPrivate)
		if err != nil {
			return err
		}
		p := patchFor(patches, c.ID)
		first := !c.DidApproveMe
		c.DidApproveMe = true
		if sentAt > c.ActiveAtMs {
			c.ActiveAtMs = sentAt
			p[notify.KeyActiveAt] = sentAt
		}
		if c.Hidden() {
			c.Priority = 0
			p[notify.KeyHidden] = false
		}
		if err := d.store.UpsertConversation(c); err != nil {
			return err
		}
		if !first {
			return nil
		}
		m := approvalMessage(c.ID, author, sentAt)
		if err := d.store.SaveMessage(m); err != nil {
			return err
		}
		p[notify.KeyDidApproveMe] = true
		p[notify.KeyMessageAdded] = m.MessageID().String()
		return nil
	})
}

func (d *Dispatcher) handleDataExtraction(ctx context.Context, env *protocol.Envelope, x *protocol.DataExtraction) <-chan error {
	if env.IsGroup() || env.IsCommunity() {
		return settled(drop("data extraction outside private conversation"))
	}
	var body string
	switch x.Type {
	case protocol.DataExtractionScreenshot:
		body = "screenshot"
	case protocol.DataExtractionMediaSaved:
		body = "media_saved"
	default:
		return settled(fmt.Errorf("%w: data extraction type %d", ErrMalformed, x.Type))
	}

	author := env.Author()
	sentAt := int64(env.TimestampMs)
	return d.runInConversation(ctx, author.String(), fmt.Sprintf("data extraction from %s", author), "data_extraction", func(patches map[string]notify.Patch) error {
		dup, err := d.duplicates.IsDuplicate(author.String(), sentAt)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s at %d", ErrDuplicate, author, sentAt)
		}
		c, created, err := d.store.ConversationOrCreate(author.String(), store.ConversationPrivate)
		if err != nil {
			return err
		}
		if created {
			if err := d.store.UpsertConversation(c); err != nil {
				return err
			}
		}
		m := &store.Message{
			ConversationID: c.ID,
			Source:         author.String(),
			SentAtMs:       sentAt,
			MessageHash:    env.MessageHash,
			Direction:      store.DirectionIncoming,
			Kind:           store.KindDataExtraction,
			Body:           body,
			Unread:         true,
		}
		if err := d.store.SaveMessage(m); err != nil {
			return err
		}
		patchFor(patches, c.ID)[notify.KeyMessageAdded] = m.MessageID().String()
		return nil
	})
}

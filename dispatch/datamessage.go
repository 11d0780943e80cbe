package dispatch

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/protocol"
	"github.com/meow-io/go-inbox/pubkey"
	"github.com/meow-io/go-inbox/store"
)

func (d *Dispatcher) handleDataMessage(ctx context.Context, env *protocol.Envelope, content *protocol.Content, dm *protocol.DataMessage) <-chan error {
	if dm.Flags != 0 && dm.Flags != protocol.FlagExpirationTimerUpdate {
		return settled(fmt.Errorf("%w: unknown data message flags %d", ErrMalformed, dm.Flags))
	}
	if dm.IsExpirationTimerUpdate() {
		dm.Body = ""
		dm.Attachments = nil
	}
	if len(dm.Attachments) > d.config.MaxAttachments {
		return settled(fmt.Errorf("%w: %d attachments", ErrMalformed, len(dm.Attachments)))
	}
	if dm.GroupUpdate != nil {
		return d.handleGroupV2Update(ctx, env, dm.GroupUpdate)
	}

	author := env.Author()
	fromUs := author == d.us
	if dm.SyncTarget != "" && !fromUs {
		return settled(drop("sync target from another user"))
	}
	id, kind := d.conversationFor(env, dm.SyncTarget)
	if d.hasLegacyPrefix(id) {
		return settled(drop("legacy group id"))
	}

	updateProfile := !fromUs && dm.Profile != nil && len(dm.ProfileKey) != 0
	if !dm.HasVisibleContent() {
		if !updateProfile {
			return settled(drop("no visible content"))
		}
		ch := d.runInConversation(ctx, author.String(), "updating profile", "profile", func(patches map[string]notify.Patch) error {
			return d.updateProfile(author, dm.Profile, patches)
		})
		return afterwards(ch, drop("no visible content"))
	}

	sentAt := int64(env.TimestampMs)
	label := fmt.Sprintf("data message from %s at %d", author, sentAt)
	return d.runInConversation(ctx, id, label, "data_message", func(patches map[string]notify.Patch) error {
		if dm.Reaction != nil {
			if env.IsCommunity() {
				return drop("community reaction")
			}
			return d.applyReaction(author, sentAt, dm.Reaction, patches)
		}

		dup, err := d.duplicates.IsDuplicate(author.String(), sentAt)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s at %d", ErrDuplicate, author, sentAt)
		}

		if updateProfile {
			if err := d.updateProfile(author, dm.Profile, patches); err != nil {
				return err
			}
		}

		c, _, err := d.store.ConversationOrCreate(id, kind)
		if err != nil {
			return err
		}
		p := patchFor(patches, id)

		m := &store.Message{
			ConversationID:    id,
			Source:            author.String(),
			SentAtMs:          sentAt,
			MessageHash:       env.MessageHash,
			ServerID:          int64(env.ServerID),
			ServerTimestampMs: int64(env.ServerTimestampMs),
			Direction:         store.DirectionIncoming,
			Kind:              store.KindVisible,
			Body:              truncate(dm.Body, d.config.MaxMessageBodyChars),
			AttachmentCount:   len(dm.Attachments),
			Unread:            !fromUs,
		}
		if fromUs {
			m.Direction = store.DirectionOutgoing
		}
		if dm.Quote != nil {
			m.QuoteID = int64(dm.Quote.ID)
			m.QuoteAuthor = dm.Quote.Author
		}
		timer, mode := expiration(content, dm)
		m.ExpireTimerSec = timer
		if mode == protocol.ExpirationDeleteAfterSend && timer != 0 {
			m.ExpiresAtMs = sentAt + int64(timer)*1000
		}
		if dm.IsExpirationTimerUpdate() {
			m.Kind = store.KindExpirationTimerUpdate
			c.ExpireTimerSec = timer
			c.ExpirationMode = int(mode)
			p[notify.KeyExpireTimer] = timer
		}

		if c.ActiveAtMs == 0 || c.Hidden() || sentAt > c.ActiveAtMs {
			c.ActiveAtMs = sentAt
			p[notify.KeyActiveAt] = sentAt
			if c.Hidden() {
				c.Priority = 0
				p[notify.KeyHidden] = false
			}
		}

		if c.IsPrivate() && !fromUs {
			// a contact we approved who never explicitly approved us
			if c.IsApproved && !c.DidApproveMe {
				if err := d.store.SaveMessage(approvalMessage(id, author, sentAt-1)); err != nil {
					return err
				}
			}
			if !c.DidApproveMe {
				c.DidApproveMe = true
				p[notify.KeyDidApproveMe] = true
			}
		}

		if err := d.store.UpsertConversation(c); err != nil {
			return err
		}
		if err := d.store.SaveMessage(m); err != nil {
			return err
		}
		p[notify.KeyMessageAdded] = m.MessageID().String()
		if m.Unread {
			p[notify.KeyUnread] = true
		}

		if d.setTyping(author.String(), false) {
			patchFor(patches, author.String())[notify.KeyTyping] = false
		}
		return nil
	})
}

func (d *Dispatcher) handleGroupV2Update(ctx context.Context, env *protocol.Envelope, update *protocol.GroupUpdate) <-chan error {
	handler := d.external.GroupsV2
	if handler == nil {
		return settled(drop("group v2 unsupported"))
	}
	id, _ := d.conversationFor(env, "")
	return d.queues.Enqueue(ctx, id, "group v2 update", func(ctx context.Context) error {
		if err := handler.HandleGroupUpdate(env, update); err != nil {
			return err
		}
		d.committed("group_v2_update")
		return nil
	})
}

func (d *Dispatcher) handleGroupControl(ctx context.Context, env *protocol.Envelope, gc *protocol.GroupControl) <-chan error {
	id := env.Source
	if len(gc.PublicKey) != 0 {
		if k, err := pubkey.FromBytes(gc.PublicKey); err == nil {
			id = k.String()
		}
	}
	author := env.Author()
	sentAt := int64(env.TimestampMs)
	label := fmt.Sprintf("group control %s from %s at %d", gc.Type, author, sentAt)
	return d.runInConversation(ctx, id, label, "group_control", func(patches map[string]notify.Patch) error {
		dup, err := d.duplicates.IsDuplicate(author.String(), sentAt)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s at %d", ErrDuplicate, author, sentAt)
		}
		if err := d.groups.Handle(env, gc); err != nil {
			return err
		}
		patchFor(patches, id)[notify.KeyMembership] = gc.Type.String()
		return nil
	})
}

func (d *Dispatcher) applyReaction(author pubkey.Key, sentAt int64, r *protocol.Reaction, patches map[string]notify.Patch) error {
	target, err := d.store.MessageBySenderAndSentAt(r.Author, int64(r.ID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return drop("reaction target missing")
		}
		return err
	}
	switch r.Action {
	case protocol.ReactionReact:
		err = d.store.AddReaction(&store.Reaction{
			MessageID:   target.ID,
			Author:      author.String(),
			Emoji:       r.Emoji,
			ReactedAtMs: sentAt,
		})
	case protocol.ReactionRemove:
		err = d.store.RemoveReaction(target.ID, author.String(), r.Emoji)
	default:
		return fmt.Errorf("%w: reaction action %d", ErrMalformed, r.Action)
	}
	if err != nil {
		return err
	}
	patchFor(patches, target.ConversationID)[notify.KeyReactions] = target.MessageID().String()
	return nil
}

func (d *Dispatcher) updateProfile(author pubkey.Key, profile *protocol.Profile, patches map[string]notify.Patch) error {
	c, created, err := d.store.ConversationOrCreate(author.String(), store.ConversationPrivate)
	if err != nil {
		return err
	}
	if !created && c.DisplayName == profile.DisplayName {
		return nil
	}
	c.DisplayName = profile.DisplayName
	if err := d.store.UpsertConversation(c); err != nil {
		return err
	}
	patchFor(patches, c.ID)[notify.KeyDisplayName] = profile.DisplayName
	return nil
}

// expiration prefers the content level disappearing message settings over the legacy timer.
func expiration(content *protocol.Content, dm *protocol.DataMessage) (uint32, protocol.ExpirationType) {
	if content.ExpirationType != protocol.ExpirationUnknown {
		return content.ExpirationTimer, content.ExpirationType
	}
	return dm.ExpireTimer, protocol.ExpirationUnknown
}

func approvalMessage(conversationID string, author pubkey.Key, sentAt int64) *store.Message {
	return &store.Message{
		ConversationID: conversationID,
		Source:         author.String(),
		SentAtMs:       sentAt,
		Direction:      store.DirectionIncoming,
		Kind:           store.KindApprovalResponse,
	}
}

func truncate(body string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(body) <= maxChars {
		return body
	}
	return string([]rune(body)[:maxChars])
}

// afterwards waits for ch and reports err unless the job itself failed.
func afterwards(ch <-chan error, err error) <-chan error {
	out := make(chan error, 1)
	go func() {
		if jobErr := <-ch; jobErr != nil {
			out <- jobErr
			return
		}
		out <- err
	}()
	return out
}

package protocol

import (
	"fmt"

	"github.com/meow-io/go-inbox/pubkey"
)

type EnvelopeType int32

const (
	EnvelopeSessionMessage     EnvelopeType = 6
	EnvelopeClosedGroupMessage EnvelopeType = 7
)

const (
	envelopeTypeField            = 1
	envelopeSourceField          = 2
	envelopeTimestampField       = 5
	envelopeContentField         = 8
	envelopeServerTimestampField = 10
)

// Envelope is one unit received from the swarm or a community server. Source is the sender for
// direct messages and the group public key for group messages, in which case SenderIdentity is
// filled in once the content has been authenticated.
type Envelope struct {
	ID                string
	Type              EnvelopeType
	Source            string
	SenderIdentity    pubkey.Key
	TimestampMs       uint64
	Content           []byte
	MessageHash       string
	ServerID          uint64
	ServerTimestampMs uint64
	ReceivedAtMs      int64
	ExpiresAtMs       int64
}

func (e *Envelope) IsGroup() bool {
	return e.Type == EnvelopeClosedGroupMessage
}

func (e *Envelope) IsCommunity() bool {
	return e.ServerID != 0
}

// Author is the authenticated sender of the envelope.
func (e *Envelope) Author() pubkey.Key {
	if e.IsGroup() {
		return e.SenderIdentity
	}
	return pubkey.Key(e.Source)
}

// WithAuthor returns a copy of the envelope carrying the authenticated author.
func (e *Envelope) WithAuthor(author pubkey.Key) *Envelope {
	c := *e
	if c.IsGroup() {
		c.SenderIdentity = author
	} else {
		c.Source = author.String()
	}
	return &c
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	e := &Envelope{}
	for _, f := range fields {
		switch {
		case f.num == envelopeTypeField && f.isVarint():
			e.Type = EnvelopeType(f.varint)
		case f.num == envelopeSourceField && f.isBytes():
			e.Source = f.string()
		case f.num == envelopeTimestampField && f.isVarint():
			e.TimestampMs = f.varint
		case f.num == envelopeContentField && f.isBytes():
			e.Content = f.bytes
		case f.num == envelopeServerTimestampField && f.isVarint():
			e.ServerTimestampMs = f.varint
		}
	}
	switch e.Type {
	case EnvelopeSessionMessage, EnvelopeClosedGroupMessage:
	default:
		return nil, fmt.Errorf("%w: envelope type %d", ErrMalformed, e.Type)
	}
	if len(e.Content) == 0 {
		return nil, fmt.Errorf("%w: envelope without content", ErrMalformed)
	}
	if e.IsGroup() && e.Source == "" {
		return nil, fmt.Errorf("%w: group envelope without source", ErrMalformed)
	}
	return e, nil
}

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarint(b, envelopeTypeField, uint64(e.Type))
	if e.Source != "" {
		b = appendString(b, envelopeSourceField, e.Source)
	}
	b = appendVarint(b, envelopeTimestampField, e.TimestampMs)
	b = appendBytes(b, envelopeContentField, e.Content)
	if e.ServerTimestampMs != 0 {
		b = appendVarint(b, envelopeServerTimestampField, e.ServerTimestampMs)
	}
	return b
}

package protocol

import (
	"fmt"
)

// Variant is one of the mutually exclusive kinds of content a message can carry.
type Variant interface {
	variant()
}

type ExpirationType int32

const (
	ExpirationUnknown         ExpirationType = 0
	ExpirationDeleteAfterRead ExpirationType = 1
	ExpirationDeleteAfterSend ExpirationType = 2
)

// Content is a decoded message with exactly one Body.
type Content struct {
	Body            Variant
	SigTimestampMs  uint64
	ExpirationType  ExpirationType
	ExpirationTimer uint32
}

const (
	contentDataMessageField            = 1
	contentCallMessageField            = 3
	contentReceiptMessageField         = 5
	contentTypingMessageField          = 6
	contentDataExtractionField         = 8
	contentUnsendRequestField          = 9
	contentMessageRequestResponseField = 10
	contentExpirationTypeField         = 12
	contentExpirationTimerField        = 13
	contentSigTimestampField           = 15
)

type Unknown struct{}

func (*Unknown) variant() {}

// DecodeContent picks the first populated kind in protocol order. A data message carrying a
// legacy group control message decodes as *GroupControl.
func DecodeContent(b []byte) (*Content, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	c := &Content{}
	present := make(map[int][]byte)
	for _, f := range fields {
		switch {
		case f.num == contentExpirationTypeField && f.isVarint():
			c.ExpirationType = ExpirationType(f.varint)
		case f.num == contentExpirationTimerField && f.isVarint():
			c.ExpirationTimer = uint32(f.varint)
		case f.num == contentSigTimestampField && f.isVarint():
			c.SigTimestampMs = f.varint
		case f.isBytes():
			present[int(f.num)] = f.bytes
		}
	}

	if b, ok := present[contentDataMessageField]; ok {
		dm, gc, err := decodeDataMessage(b)
		if err != nil {
			return nil, err
		}
		if gc != nil {
			c.Body = gc
		} else {
			c.Body = dm
		}
		return c, nil
	}
	decoders := []struct {
		num    int
		decode func([]byte) (Variant, error)
	}{
		{contentReceiptMessageField, decodeReceipt},
		{contentTypingMessageField, decodeTyping},
		{contentDataExtractionField, decodeDataExtraction},
		{contentUnsendRequestField, decodeUnsend},
		{contentCallMessageField, decodeCall},
		{contentMessageRequestResponseField, decodeMessageRequestResponse},
	}
	for _, d := range decoders {
		if b, ok := present[d.num]; ok {
			v, err := d.decode(b)
			if err != nil {
				return nil, err
			}
			c.Body = v
			return c, nil
		}
	}
	c.Body = &Unknown{}
	return c, nil
}

func (c *Content) Marshal() ([]byte, error) {
	var b []byte
	switch v := c.Body.(type) {
	case *DataMessage:
		b = appendBytes(b, contentDataMessageField, v.Marshal())
	case *GroupControl:
		b = appendBytes(b, contentDataMessageField, (&DataMessage{GroupControl: v}).Marshal())
	case *Call:
		b = appendBytes(b, contentCallMessageField, v.Marshal())
	case *Receipt:
		b = appendBytes(b, contentReceiptMessageField, v.Marshal())
	case *Typing:
		b = appendBytes(b, contentTypingMessageField, v.Marshal())
	case *DataExtraction:
		b = appendBytes(b, contentDataExtractionField, v.Marshal())
	case *Unsend:
		b = appendBytes(b, contentUnsendRequestField, v.Marshal())
	case *MessageRequestResponse:
		b = appendBytes(b, contentMessageRequestResponseField, v.Marshal())
	case *Unknown, nil:
	default:
		return nil, fmt.Errorf("protocol: cannot marshal %T", v)
	}
	if c.ExpirationType != ExpirationUnknown {
		b = appendVarint(b, contentExpirationTypeField, uint64(c.ExpirationType))
	}
	if c.ExpirationTimer != 0 {
		b = appendVarint(b, contentExpirationTimerField, uint64(c.ExpirationTimer))
	}
	if c.SigTimestampMs != 0 {
		b = appendVarint(b, contentSigTimestampField, c.SigTimestampMs)
	}
	return b, nil
}

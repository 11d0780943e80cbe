package protocol

type ReceiptType int32

const (
	ReceiptDelivery ReceiptType = 0
	ReceiptRead     ReceiptType = 1
)

type Receipt struct {
	Type         ReceiptType
	TimestampsMs []uint64
}

func (*Receipt) variant() {}

func decodeReceipt(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	r := &Receipt{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			r.Type = ReceiptType(f.varint)
		case f.num == 2:
			ts, err := f.varints()
			if err != nil {
				return nil, err
			}
			r.TimestampsMs = append(r.TimestampsMs, ts...)
		}
	}
	return r, nil
}

func (r *Receipt) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.Type))
	for _, ts := range r.TimestampsMs {
		b = appendVarint(b, 2, ts)
	}
	return b
}

type TypingAction int32

const (
	TypingStarted TypingAction = 0
	TypingStopped TypingAction = 1
)

type Typing struct {
	TimestampMs uint64
	Action      TypingAction
}

func (*Typing) variant() {}

func decodeTyping(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	t := &Typing{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			t.TimestampMs = f.varint
		case f.num == 2 && f.isVarint():
			t.Action = TypingAction(f.varint)
		}
	}
	return t, nil
}

func (t *Typing) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, t.TimestampMs)
	b = appendVarint(b, 2, uint64(t.Action))
	return b
}

type CallType int32

const (
	CallOffer             CallType = 1
	CallAnswer            CallType = 2
	CallProvisionalAnswer CallType = 3
	CallIceCandidates     CallType = 4
	CallEndCall           CallType = 5
	CallPreOffer          CallType = 6
)

type Call struct {
	Type            CallType
	SDPs            []string
	SDPMLineIndexes []uint32
	SDPMids         []string
	UUID            string
}

func (*Call) variant() {}

func decodeCall(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	c := &Call{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			c.Type = CallType(f.varint)
		case f.num == 2 && f.isBytes():
			c.SDPs = append(c.SDPs, f.string())
		case f.num == 3:
			idx, err := f.varints()
			if err != nil {
				return nil, err
			}
			for _, i := range idx {
				c.SDPMLineIndexes = append(c.SDPMLineIndexes, uint32(i))
			}
		case f.num == 4 && f.isBytes():
			c.SDPMids = append(c.SDPMids, f.string())
		case f.num == 5 && f.isBytes():
			c.UUID = f.string()
		}
	}
	return c, nil
}

func (c *Call) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(c.Type))
	for _, s := range c.SDPs {
		b = appendString(b, 2, s)
	}
	for _, i := range c.SDPMLineIndexes {
		b = appendVarint(b, 3, uint64(i))
	}
	for _, s := range c.SDPMids {
		b = appendString(b, 4, s)
	}
	b = appendString(b, 5, c.UUID)
	return b
}

// Unsend asks recipients to delete the message Author sent at TimestampMs.
type Unsend struct {
	TimestampMs uint64
	Author      string
}

func (*Unsend) variant() {}

func decodeUnsend(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	u := &Unsend{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			u.TimestampMs = f.varint
		case f.num == 2 && f.isBytes():
			u.Author = f.string()
		}
	}
	return u, nil
}

func (u *Unsend) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, u.TimestampMs)
	b = appendString(b, 2, u.Author)
	return b
}

type MessageRequestResponse struct {
	IsApproved bool
	ProfileKey []byte
	Profile    *Profile
}

func (*MessageRequestResponse) variant() {}

func decodeMessageRequestResponse(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	m := &MessageRequestResponse{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			m.IsApproved = f.varint != 0
		case f.num == 2 && f.isBytes():
			m.ProfileKey = f.bytes
		case f.num == 3 && f.isBytes():
			if m.Profile, err = decodeProfile(f.bytes); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *MessageRequestResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.IsApproved)
	if len(m.ProfileKey) != 0 {
		b = appendBytes(b, 2, m.ProfileKey)
	}
	if m.Profile != nil {
		b = appendBytes(b, 3, m.Profile.marshal())
	}
	return b
}

type DataExtractionType int32

const (
	DataExtractionScreenshot DataExtractionType = 1
	DataExtractionMediaSaved DataExtractionType = 2
)

type DataExtraction struct {
	Type        DataExtractionType
	TimestampMs uint64
}

func (*DataExtraction) variant() {}

func decodeDataExtraction(b []byte) (Variant, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	d := &DataExtraction{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			d.Type = DataExtractionType(f.varint)
		case f.num == 2 && f.isVarint():
			d.TimestampMs = f.varint
		}
	}
	return d, nil
}

func (d *DataExtraction) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.Type))
	if d.TimestampMs != 0 {
		b = appendVarint(b, 2, d.TimestampMs)
	}
	return b
}

package protocol

const FlagExpirationTimerUpdate = 2

const (
	dataBodyField                = 1
	dataAttachmentsField         = 2
	dataFlagsField               = 4
	dataExpireTimerField         = 5
	dataProfileKeyField          = 6
	dataTimestampField           = 7
	dataQuoteField               = 8
	dataPreviewField             = 10
	dataReactionField            = 11
	dataProfileField             = 101
	dataOpenGroupInvitationField = 102
	dataGroupControlField        = 104
	dataSyncTargetField          = 105
	dataBlocksRequestsField      = 106
	dataGroupUpdateField         = 120
)

type ReactionAction int32

const (
	ReactionReact  ReactionAction = 0
	ReactionRemove ReactionAction = 1
)

type Quote struct {
	ID     uint64
	Author string
	Text   string
}

type Reaction struct {
	ID     uint64
	Author string
	Emoji  string
	Action ReactionAction
}

type Profile struct {
	DisplayName    string
	ProfilePicture string
}

type OpenGroupInvitation struct {
	URL  string
	Name string
}

// GroupPromote is the part of a group v2 update this pipeline needs to look at: a promotion
// may be accepted from an otherwise blocked admin.
type GroupPromote struct {
	GroupIdentitySeed []byte
	Name              string
}

type GroupUpdate struct {
	Raw     []byte
	Promote *GroupPromote
}

type DataMessage struct {
	Body                           string
	Attachments                    [][]byte
	Flags                          uint32
	ExpireTimer                    uint32
	ProfileKey                     []byte
	TimestampMs                    uint64
	Quote                          *Quote
	PreviewCount                   int
	Reaction                       *Reaction
	Profile                        *Profile
	OpenGroupInvitation            *OpenGroupInvitation
	SyncTarget                     string
	BlocksCommunityMessageRequests bool
	GroupUpdate                    *GroupUpdate

	// only used when marshalling a legacy group control message
	GroupControl *GroupControl
}

func (*DataMessage) variant() {}

func (dm *DataMessage) IsExpirationTimerUpdate() bool {
	return dm.Flags&FlagExpirationTimerUpdate == FlagExpirationTimerUpdate
}

// HasVisibleContent reports whether the message would show up in a conversation.
func (dm *DataMessage) HasVisibleContent() bool {
	return dm.Body != "" ||
		len(dm.Attachments) > 0 ||
		dm.Quote != nil ||
		dm.PreviewCount > 0 ||
		dm.OpenGroupInvitation != nil ||
		dm.Reaction != nil ||
		dm.IsExpirationTimerUpdate()
}

func decodeDataMessage(b []byte) (*DataMessage, *GroupControl, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, nil, err
	}
	dm := &DataMessage{}
	var gc *GroupControl
	for _, f := range fields {
		switch {
		case f.num == dataBodyField && f.isBytes():
			dm.Body = f.string()
		case f.num == dataAttachmentsField && f.isBytes():
			dm.Attachments = append(dm.Attachments, f.bytes)
		case f.num == dataFlagsField && f.isVarint():
			dm.Flags = uint32(f.varint)
		case f.num == dataExpireTimerField && f.isVarint():
			dm.ExpireTimer = uint32(f.varint)
		case f.num == dataProfileKeyField && f.isBytes():
			dm.ProfileKey = f.bytes
		case f.num == dataTimestampField && f.isVarint():
			dm.TimestampMs = f.varint
		case f.num == dataQuoteField && f.isBytes():
			if dm.Quote, err = decodeQuote(f.bytes); err != nil {
				return nil, nil, err
			}
		case f.num == dataPreviewField && f.isBytes():
			dm.PreviewCount++
		case f.num == dataReactionField && f.isBytes():
			if dm.Reaction, err = decodeReaction(f.bytes); err != nil {
				return nil, nil, err
			}
		case f.num == dataProfileField && f.isBytes():
			if dm.Profile, err = decodeProfile(f.bytes); err != nil {
				return nil, nil, err
			}
		case f.num == dataOpenGroupInvitationField && f.isBytes():
			if dm.OpenGroupInvitation, err = decodeOpenGroupInvitation(f.bytes); err != nil {
				return nil, nil, err
			}
		case f.num == dataGroupControlField && f.isBytes():
			if gc, err = decodeGroupControl(f.bytes); err != nil {
				return nil, nil, err
			}
		case f.num == dataSyncTargetField && f.isBytes():
			dm.SyncTarget = f.string()
		case f.num == dataBlocksRequestsField && f.isVarint():
			dm.BlocksCommunityMessageRequests = f.varint != 0
		case f.num == dataGroupUpdateField && f.isBytes():
			if dm.GroupUpdate, err = decodeGroupUpdate(f.bytes); err != nil {
				return nil, nil, err
			}
		}
	}
	return dm, gc, nil
}

func (dm *DataMessage) Marshal() []byte {
	var b []byte
	if dm.Body != "" {
		b = appendString(b, dataBodyField, dm.Body)
	}
	for _, a := range dm.Attachments {
		b = appendBytes(b, dataAttachmentsField, a)
	}
	if dm.Flags != 0 {
		b = appendVarint(b, dataFlagsField, uint64(dm.Flags))
	}
	if dm.ExpireTimer != 0 {
		b = appendVarint(b, dataExpireTimerField, uint64(dm.ExpireTimer))
	}
	if len(dm.ProfileKey) != 0 {
		b = appendBytes(b, dataProfileKeyField, dm.ProfileKey)
	}
	if dm.TimestampMs != 0 {
		b = appendVarint(b, dataTimestampField, dm.TimestampMs)
	}
	if dm.Quote != nil {
		var q []byte
		q = appendVarint(q, 1, dm.Quote.ID)
		q = appendString(q, 2, dm.Quote.Author)
		if dm.Quote.Text != "" {
			q = appendString(q, 3, dm.Quote.Text)
		}
		b = appendBytes(b, dataQuoteField, q)
	}
	for i := 0; i != dm.PreviewCount; i++ {
		b = appendBytes(b, dataPreviewField, nil)
	}
	if dm.Reaction != nil {
		var r []byte
		r = appendVarint(r, 1, dm.Reaction.ID)
		r = appendString(r, 2, dm.Reaction.Author)
		r = appendString(r, 3, dm.Reaction.Emoji)
		r = appendVarint(r, 4, uint64(dm.Reaction.Action))
		b = appendBytes(b, dataReactionField, r)
	}
	if dm.Profile != nil {
		b = appendBytes(b, dataProfileField, dm.Profile.marshal())
	}
	if dm.OpenGroupInvitation != nil {
		var o []byte
		o = appendString(o, 1, dm.OpenGroupInvitation.URL)
		o = appendString(o, 3, dm.OpenGroupInvitation.Name)
		b = appendBytes(b, dataOpenGroupInvitationField, o)
	}
	if dm.GroupControl != nil {
		b = appendBytes(b, dataGroupControlField, dm.GroupControl.Marshal())
	}
	if dm.SyncTarget != "" {
		b = appendString(b, dataSyncTargetField, dm.SyncTarget)
	}
	if dm.BlocksCommunityMessageRequests {
		b = appendBool(b, dataBlocksRequestsField, true)
	}
	if dm.GroupUpdate != nil {
		raw := dm.GroupUpdate.Raw
		if raw == nil && dm.GroupUpdate.Promote != nil {
			var p []byte
			p = appendBytes(p, 1, dm.GroupUpdate.Promote.GroupIdentitySeed)
			p = appendString(p, 2, dm.GroupUpdate.Promote.Name)
			raw = appendBytes(raw, groupUpdatePromoteField, p)
		}
		b = appendBytes(b, dataGroupUpdateField, raw)
	}
	return b
}

func decodeQuote(b []byte) (*Quote, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	q := &Quote{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			q.ID = f.varint
		case f.num == 2 && f.isBytes():
			q.Author = f.string()
		case f.num == 3 && f.isBytes():
			q.Text = f.string()
		}
	}
	return q, nil
}

func decodeReaction(b []byte) (*Reaction, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	r := &Reaction{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isVarint():
			r.ID = f.varint
		case f.num == 2 && f.isBytes():
			r.Author = f.string()
		case f.num == 3 && f.isBytes():
			r.Emoji = f.string()
		case f.num == 4 && f.isVarint():
			r.Action = ReactionAction(f.varint)
		}
	}
	return r, nil
}

func decodeProfile(b []byte) (*Profile, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	p := &Profile{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isBytes():
			p.DisplayName = f.string()
		case f.num == 2 && f.isBytes():
			p.ProfilePicture = f.string()
		}
	}
	return p, nil
}

func (p *Profile) marshal() []byte {
	var b []byte
	if p.DisplayName != "" {
		b = appendString(b, 1, p.DisplayName)
	}
	if p.ProfilePicture != "" {
		b = appendString(b, 2, p.ProfilePicture)
	}
	return b
}

func decodeOpenGroupInvitation(b []byte) (*OpenGroupInvitation, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	o := &OpenGroupInvitation{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isBytes():
			o.URL = f.string()
		case f.num == 3 && f.isBytes():
			o.Name = f.string()
		}
	}
	return o, nil
}

const groupUpdatePromoteField = 4

func decodeGroupUpdate(b []byte) (*GroupUpdate, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	gu := &GroupUpdate{Raw: b}
	for _, f := range fields {
		if f.num != groupUpdatePromoteField || !f.isBytes() {
			continue
		}
		inner, err := readFields(f.bytes)
		if err != nil {
			return nil, err
		}
		gu.Promote = &GroupPromote{}
		for _, pf := range inner {
			switch {
			case pf.num == 1 && pf.isBytes():
				gu.Promote.GroupIdentitySeed = pf.bytes
			case pf.num == 2 && pf.isBytes():
				gu.Promote.Name = pf.string()
			}
		}
	}
	return gu, nil
}

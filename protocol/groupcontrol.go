package protocol

import "fmt"

type GroupControlType int32

const (
	GroupControlNew                      GroupControlType = 1
	GroupControlEncryptionKeyPair        GroupControlType = 3
	GroupControlNameChange               GroupControlType = 4
	GroupControlMembersAdded             GroupControlType = 5
	GroupControlMembersRemoved           GroupControlType = 6
	GroupControlMemberLeft               GroupControlType = 7
	GroupControlEncryptionKeyPairRequest GroupControlType = 8
)

func (t GroupControlType) String() string {
	switch t {
	case GroupControlNew:
		return "NEW"
	case GroupControlEncryptionKeyPair:
		return "ENCRYPTION_KEY_PAIR"
	case GroupControlNameChange:
		return "NAME_CHANGE"
	case GroupControlMembersAdded:
		return "MEMBERS_ADDED"
	case GroupControlMembersRemoved:
		return "MEMBERS_REMOVED"
	case GroupControlMemberLeft:
		return "MEMBER_LEFT"
	case GroupControlEncryptionKeyPairRequest:
		return "ENCRYPTION_KEY_PAIR_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// KeyPairMessage is the serialized form of a closed group x25519 key pair.
type KeyPairMessage struct {
	PublicKey  []byte
	PrivateKey []byte
}

// KeyPairWrapper carries a key pair sealed to one member, identified by their prefixed public key.
type KeyPairWrapper struct {
	PublicKey        []byte
	EncryptedKeyPair []byte
}

// GroupControl is a legacy closed group control message.
type GroupControl struct {
	Type              GroupControlType
	PublicKey         []byte
	Name              string
	EncryptionKeyPair *KeyPairMessage
	Members           [][]byte
	Admins            [][]byte
	Wrappers          []*KeyPairWrapper
	ExpirationTimer   uint32
}

func (*GroupControl) variant() {}

const (
	groupControlTypeField              = 1
	groupControlPublicKeyField         = 2
	groupControlNameField              = 3
	groupControlEncryptionKeyPairField = 4
	groupControlMembersField           = 5
	groupControlAdminsField            = 6
	groupControlWrappersField          = 7
	groupControlExpirationTimerField   = 8
)

func decodeGroupControl(b []byte) (*GroupControl, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	gc := &GroupControl{}
	for _, f := range fields {
		switch {
		case f.num == groupControlTypeField && f.isVarint():
			gc.Type = GroupControlType(f.varint)
		case f.num == groupControlPublicKeyField && f.isBytes():
			gc.PublicKey = f.bytes
		case f.num == groupControlNameField && f.isBytes():
			gc.Name = f.string()
		case f.num == groupControlEncryptionKeyPairField && f.isBytes():
			if gc.EncryptionKeyPair, err = DecodeKeyPair(f.bytes); err != nil {
				return nil, err
			}
		case f.num == groupControlMembersField && f.isBytes():
			gc.Members = append(gc.Members, f.bytes)
		case f.num == groupControlAdminsField && f.isBytes():
			gc.Admins = append(gc.Admins, f.bytes)
		case f.num == groupControlWrappersField && f.isBytes():
			w, err := decodeKeyPairWrapper(f.bytes)
			if err != nil {
				return nil, err
			}
			gc.Wrappers = append(gc.Wrappers, w)
		case f.num == groupControlExpirationTimerField && f.isVarint():
			gc.ExpirationTimer = uint32(f.varint)
		}
	}
	if gc.Type == 0 {
		return nil, fmt.Errorf("%w: group control message without type", ErrMalformed)
	}
	return gc, nil
}

func (gc *GroupControl) Marshal() []byte {
	var b []byte
	b = appendVarint(b, groupControlTypeField, uint64(gc.Type))
	if len(gc.PublicKey) != 0 {
		b = appendBytes(b, groupControlPublicKeyField, gc.PublicKey)
	}
	if gc.Name != "" {
		b = appendString(b, groupControlNameField, gc.Name)
	}
	if gc.EncryptionKeyPair != nil {
		b = appendBytes(b, groupControlEncryptionKeyPairField, gc.EncryptionKeyPair.Marshal())
	}
	for _, m := range gc.Members {
		b = appendBytes(b, groupControlMembersField, m)
	}
	for _, a := range gc.Admins {
		b = appendBytes(b, groupControlAdminsField, a)
	}
	for _, w := range gc.Wrappers {
		var wb []byte
		wb = appendBytes(wb, 1, w.PublicKey)
		wb = appendBytes(wb, 2, w.EncryptedKeyPair)
		b = appendBytes(b, groupControlWrappersField, wb)
	}
	if gc.ExpirationTimer != 0 {
		b = appendVarint(b, groupControlExpirationTimerField, uint64(gc.ExpirationTimer))
	}
	return b
}

func DecodeKeyPair(b []byte) (*KeyPairMessage, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	kp := &KeyPairMessage{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isBytes():
			kp.PublicKey = f.bytes
		case f.num == 2 && f.isBytes():
			kp.PrivateKey = f.bytes
		}
	}
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: incomplete key pair", ErrMalformed)
	}
	return kp, nil
}

func (kp *KeyPairMessage) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, kp.PublicKey)
	b = appendBytes(b, 2, kp.PrivateKey)
	return b
}

func decodeKeyPairWrapper(b []byte) (*KeyPairWrapper, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	w := &KeyPairWrapper{}
	for _, f := range fields {
		switch {
		case f.num == 1 && f.isBytes():
			w.PublicKey = f.bytes
		case f.num == 2 && f.isBytes():
			w.EncryptedKeyPair = f.bytes
		}
	}
	return w, nil
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeDecode(t *testing.T) {
	require := require.New(t)

	e := &Envelope{Type: EnvelopeClosedGroupMessage, Source: "05aa", TimestampMs: 1000, Content: []byte{1, 2, 3}}
	raw := e.Marshal()
	// unknown field from a newer client
	raw = appendString(raw, 99, "future")

	decoded, err := DecodeEnvelope(raw)
	require.Nil(err)
	require.Equal(e.Type, decoded.Type)
	require.Equal("05aa", decoded.Source)
	require.Equal(uint64(1000), decoded.TimestampMs)
	require.Equal([]byte{1, 2, 3}, decoded.Content)
	require.True(decoded.IsGroup())

	_, err = DecodeEnvelope((&Envelope{Type: 3, Content: []byte{1}}).Marshal())
	require.ErrorIs(err, ErrMalformed)
	_, err = DecodeEnvelope((&Envelope{Type: EnvelopeClosedGroupMessage, Content: []byte{1}}).Marshal())
	require.ErrorIs(err, ErrMalformed)
	_, err = DecodeEnvelope(raw[:len(raw)-3])
	require.ErrorIs(err, ErrMalformed)
}

func TestEnvelopeAuthor(t *testing.T) {
	require := require.New(t)

	direct := &Envelope{Type: EnvelopeSessionMessage}
	withAuthor := direct.WithAuthor("05bb")
	require.Equal("05bb", withAuthor.Author().String())
	require.Equal("", direct.Source)

	group := &Envelope{Type: EnvelopeClosedGroupMessage, Source: "05group"}
	withAuthor = group.WithAuthor("05cc")
	require.Equal("05cc", withAuthor.Author().String())
	require.Equal("05group", withAuthor.Source)
}

func TestDecodeContentVariants(t *testing.T) {
	require := require.New(t)

	raw, err := (&Content{
		Body:           &DataMessage{Body: "hi", Quote: &Quote{ID: 5, Author: "05aa"}, Profile: &Profile{DisplayName: "al"}},
		SigTimestampMs: 42,
	}).Marshal()
	require.Nil(err)
	c, err := DecodeContent(raw)
	require.Nil(err)
	dm, ok := c.Body.(*DataMessage)
	require.True(ok)
	require.Equal("hi", dm.Body)
	require.Equal(uint64(5), dm.Quote.ID)
	require.Equal("al", dm.Profile.DisplayName)
	require.Equal(uint64(42), c.SigTimestampMs)
	require.True(dm.HasVisibleContent())

	raw, err = (&Content{Body: &GroupControl{Type: GroupControlNameChange, Name: "new"}}).Marshal()
	require.Nil(err)
	c, err = DecodeContent(raw)
	require.Nil(err)
	gc, ok := c.Body.(*GroupControl)
	require.True(ok)
	require.Equal(GroupControlNameChange, gc.Type)
	require.Equal("new", gc.Name)

	raw, err = (&Content{Body: &Unsend{TimestampMs: 7, Author: "05aa"}}).Marshal()
	require.Nil(err)
	c, err = DecodeContent(raw)
	require.Nil(err)
	require.Equal(&Unsend{TimestampMs: 7, Author: "05aa"}, c.Body)

	c, err = DecodeContent(appendString(nil, 77, "from the future"))
	require.Nil(err)
	require.IsType(&Unknown{}, c.Body)
}

func TestReceiptAcceptsPackedTimestamps(t *testing.T) {
	require := require.New(t)

	var packed []byte
	packed = protowire.AppendVarint(packed, 10)
	packed = protowire.AppendVarint(packed, 20)
	var receipt []byte
	receipt = appendVarint(receipt, 1, uint64(ReceiptRead))
	receipt = appendBytes(receipt, 2, packed)
	receipt = appendVarint(receipt, 2, 30)

	c, err := DecodeContent(appendBytes(nil, contentReceiptMessageField, receipt))
	require.Nil(err)
	r, ok := c.Body.(*Receipt)
	require.True(ok)
	require.Equal(ReceiptRead, r.Type)
	require.Equal([]uint64{10, 20, 30}, r.TimestampsMs)
}

func TestGroupControlCarriesKeyMaterial(t *testing.T) {
	require := require.New(t)

	in := &GroupControl{
		Type:              GroupControlNew,
		PublicKey:         []byte{5, 1},
		Name:              "group",
		EncryptionKeyPair: &KeyPairMessage{PublicKey: []byte{1}, PrivateKey: []byte{2}},
		Members:           [][]byte{{5, 1}, {5, 2}},
		Admins:            [][]byte{{5, 1}},
		Wrappers:          []*KeyPairWrapper{{PublicKey: []byte{5, 2}, EncryptedKeyPair: []byte{9}}},
		ExpirationTimer:   30,
	}
	raw, err := (&Content{Body: in}).Marshal()
	require.Nil(err)
	c, err := DecodeContent(raw)
	require.Nil(err)
	require.Equal(in, c.Body)

	_, err = DecodeKeyPair((&KeyPairMessage{PublicKey: []byte{1}}).Marshal())
	require.ErrorIs(err, ErrMalformed)
}

func TestGroupUpdatePromotion(t *testing.T) {
	require := require.New(t)

	raw, err := (&Content{Body: &DataMessage{GroupUpdate: &GroupUpdate{Promote: &GroupPromote{GroupIdentitySeed: []byte{1, 2}, Name: "g"}}}}).Marshal()
	require.Nil(err)
	c, err := DecodeContent(raw)
	require.Nil(err)
	dm := c.Body.(*DataMessage)
	require.NotNil(dm.GroupUpdate.Promote)
	require.Equal("g", dm.GroupUpdate.Promote.Name)
	require.False(dm.HasVisibleContent())
}

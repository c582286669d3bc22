package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket(t *testing.T) {
	pkt, err := ParsePacket("send|jsvana:hashbang|PRIVMSG #go :hi\n")
	require.NoError(t, err)

	assert.Equal(t, "send", pkt.Type)
	assert.Equal(t, []string{"jsvana:hashbang", "PRIVMSG #go :hi"}, pkt.Fields)
	assert.Equal(t, "", pkt.Field(3))
}

func TestParsePacketTypeOnly(t *testing.T) {
	pkt, err := ParsePacket("stats\r\n")
	require.NoError(t, err)

	assert.Equal(t, "stats", pkt.Type)
	assert.Empty(t, pkt.Fields)
}

func TestParsePacketEmpty(t *testing.T) {
	_, err := ParsePacket("\n")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEscapeCharacters(t *testing.T) {
	raw := "a|b,c\\d\ne\rf"

	line := FormatPacket("fail", "send", raw)
	assert.Equal(t, "fail|send|a\\|b\\,c\\\\d\\ne\\rf\n", line)

	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	assert.Equal(t, "fail", pkt.Type)
	assert.Equal(t, []string{"send", raw}, pkt.Fields)
}

func TestUnescapeUnknownSequence(t *testing.T) {
	assert.Equal(t, `\x`, unescape(`\x`))
	assert.Equal(t, `tail\`, unescape(`tail\`))
}

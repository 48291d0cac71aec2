package card

import (
	"testing"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCardSelector(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := NewCardSelector()
		require.NoError(t, err)
		assert.Nil(t, s.Aid())
		assert.Nil(t, s.PowerOnDataRegex())
		assert.Equal(t, "", s.CardProtocol())
		assert.Equal(t, byte(0x00), s.P2())
		assert.True(t, s.IsSuccessful(0x9000))
		assert.False(t, s.IsSuccessful(0x6283))
	})

	t.Run("p2 combines occurrence and fci", func(t *testing.T) {
		s, err := NewCardSelector(WithFileOccurrence(NEXT), WithFileControlInformation(NO_RESPONSE))
		require.NoError(t, err)
		assert.Equal(t, byte(0x0E), s.P2())
	})

	t.Run("widened status words", func(t *testing.T) {
		s, err := NewCardSelector(WithSuccessfulStatusWords(0x6283))
		require.NoError(t, err)
		assert.True(t, s.IsSuccessful(0x6283))
		assert.True(t, s.IsSuccessful(0x9000))
	})

	t.Run("aid too long", func(t *testing.T) {
		_, err := NewCardSelector(WithAid(make([]byte, 17)))
		assert.Error(t, err)
	})

	t.Run("invalid regex", func(t *testing.T) {
		_, err := NewCardSelector(WithPowerOnDataRegex("(["))
		assert.Error(t, err)
	})
}

func TestApduRequest(t *testing.T) {
	r := NewApduRequest(apdu.MustHex("00B2010C00")).AddSuccessfulStatusWord(0x6283).SetInfo("read record")
	assert.True(t, r.IsSuccessful(0x9000))
	assert.True(t, r.IsSuccessful(0x6283))
	assert.False(t, r.IsSuccessful(0x6A82))
	assert.Equal(t, "read record", r.Info())

	rsp := NewApduResponse(apdu.MustHex("AABB9000"))
	assert.Equal(t, uint16(0x9000), rsp.StatusWord())
	assert.Equal(t, apdu.MustHex("AABB"), rsp.DataOut())
}

func TestCardSelectionScenarioIsImmutable(t *testing.T) {
	s, _ := NewCardSelector()
	reqs := []*CardSelectionRequest{{Selector: s}}
	scenario := NewCardSelectionScenario(reqs, PROCESS_ALL, CLOSE_AFTER)
	reqs[0] = nil

	assert.NotNil(t, scenario.Requests()[0])
	assert.Equal(t, PROCESS_ALL, scenario.MultiSelectionProcessing())
	assert.Equal(t, CLOSE_AFTER, scenario.ChannelControl())
	assert.Equal(t, "CLOSE_AFTER", scenario.ChannelControl().String())
}

func TestPowerOnDataRegexMatchesWholeString(t *testing.T) {
	s, err := NewCardSelector(WithPowerOnDataRegex("3B8F.*"))
	require.NoError(t, err)
	assert.True(t, s.PowerOnDataRegex().MatchString("3B8F8001"))
	assert.False(t, s.PowerOnDataRegex().MatchString("003B8F8001"))
}

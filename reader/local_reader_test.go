package reader

import (
	"encoding/hex"
	"testing"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registeredLocalReader(driver spi.ReaderSpi) *LocalReader {
	r := NewLocalReader(driver, "plugin")
	r.Register()
	return r
}

func selectionRequest(t *testing.T, opts ...card.SelectorOption) *card.CardSelectionRequest {
	selector, err := card.NewCardSelector(opts...)
	require.NoError(t, err)
	return &card.CardSelectionRequest{Selector: selector}
}

func TestLocalReader_ProcessApduRequest(t *testing.T) {
	t.Run("61XX triggers a single GET RESPONSE with the announced length", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("6105", "11223344559000")
		r := registeredLocalReader(driver)

		rsp, err := r.processApduRequest(card.NewApduRequest(apdu.MustHex("00B2014400")))

		require.NoError(t, err)
		assert.Equal(t, []string{"00b2014400", "00c0000005"}, driver.sentHex())
		assert.Equal(t, "11223344559000", hex.EncodeToString(rsp.Apdu()))
	})

	t.Run("case 4 command answered by a bare 9000 is completed with GET RESPONSE", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("9000", "aabb9000")
		r := registeredLocalReader(driver)

		rsp, err := r.processApduRequest(card.NewApduRequest(apdu.MustHex("11223344041234567802")))

		require.NoError(t, err)
		assert.Equal(t, []string{"11223344041234567802", "00c0000002"}, driver.sentHex())
		assert.Equal(t, "aabb9000", hex.EncodeToString(rsp.Apdu()))
	})

	t.Run("case 4 command with unsuccessful bare status word is returned as is", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("6a82")
		r := registeredLocalReader(driver)

		rsp, err := r.processApduRequest(card.NewApduRequest(apdu.MustHex("11223344041234567802")))

		require.NoError(t, err)
		assert.Len(t, driver.sentHex(), 1)
		assert.Equal(t, uint16(0x6A82), rsp.StatusWord())
	})

	t.Run("6CXX replays the command with the corrected length", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("6c05", "01020304059000")
		r := registeredLocalReader(driver)

		rsp, err := r.processApduRequest(card.NewApduRequest(apdu.MustHex("00B2014400")))

		require.NoError(t, err)
		assert.Equal(t, []string{"00b2014400", "00b2014405"}, driver.sentHex())
		assert.Equal(t, "01020304059000", hex.EncodeToString(rsp.Apdu()))
	})

	t.Run("endless continuation is cut off as a card failure", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.answer("00b2014400", "6110")
		driver.answer("00c0000010", "6110")
		r := registeredLocalReader(driver)

		_, err := r.processApduRequest(card.NewApduRequest(apdu.MustHex("00B2014400")))

		assert.True(t, spi.IsCardIOError(err))
		assert.Len(t, driver.sentHex(), apdu.MaxChainingDepth+1)
	})
}

func TestLocalReader_ProcessCardRequest(t *testing.T) {
	t.Run("stops on unexpected status word with the partial response", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("9000", "6a82", "9000")
		r := registeredLocalReader(driver)

		request := card.NewCardRequest(true,
			card.NewApduRequest(apdu.MustHex("00010000")),
			card.NewApduRequest(apdu.MustHex("00020000")),
			card.NewApduRequest(apdu.MustHex("00030000")),
		)
		_, err := r.TransmitCardRequest(request, card.KEEP_OPEN)

		var unexpected *readererror.UnexpectedStatusWordError
		require.True(t, errors.As(err, &unexpected))
		assert.Equal(t, uint16(0x6A82), unexpected.StatusWord)
		assert.Len(t, unexpected.CardResponse.ApduResponses, 2)
		assert.False(t, unexpected.AllRequestsProcessed)
	})

	t.Run("goes on when not asked to stop", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("9000", "6a82", "9000")
		r := registeredLocalReader(driver)

		request := card.NewCardRequest(false,
			card.NewApduRequest(apdu.MustHex("00010000")),
			card.NewApduRequest(apdu.MustHex("00020000")),
			card.NewApduRequest(apdu.MustHex("00030000")),
		)
		rsp, err := r.TransmitCardRequest(request, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.Len(t, rsp.ApduResponses, 3)
	})

	t.Run("card failure returns the responses received so far", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.channelOpen = true
		driver.enqueue("9000")
		driver.failOn("00020000", spi.NewCardIOError(nil, "card mute"))
		r := registeredLocalReader(driver)

		request := card.NewCardRequest(false,
			card.NewApduRequest(apdu.MustHex("00010000")),
			card.NewApduRequest(apdu.MustHex("00020000")),
		)
		rsp, err := r.TransmitCardRequest(request, card.KEEP_OPEN)

		var broken *readererror.CardBrokenCommunicationError
		require.True(t, errors.As(err, &broken))
		assert.Len(t, rsp.ApduResponses, 1)
		assert.Len(t, broken.CardResponse.ApduResponses, 1)
		assert.False(t, driver.IsPhysicalChannelOpen())
	})

	t.Run("reader failure is reported as reader broken communication", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.setTransmitErr(spi.NewReaderIOError(nil, "usb gone"))
		r := registeredLocalReader(driver)

		_, err := r.TransmitCardRequest(card.NewCardRequest(false, card.NewApduRequest(apdu.MustHex("00010000"))), card.KEEP_OPEN)

		var broken *readererror.ReaderBrokenCommunicationError
		assert.True(t, errors.As(err, &broken))
	})

	t.Run("requires registration", func(t *testing.T) {
		r := NewLocalReader(newFakeReaderSpi("r"), "plugin")

		_, err := r.TransmitCardRequest(card.NewCardRequest(false), card.KEEP_OPEN)

		assert.True(t, errors.Is(err, readererror.ErrorReaderNotRegistered))
	})
}

func TestLocalReader_TransmitCardSelectionRequests(t *testing.T) {
	aid := apdu.MustHex("1122334455")
	selectCommand := "00a4040005112233445500"

	t.Run("matching AID opens the logical channel", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.answer(selectCommand, "123456789000")
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(aid))},
			card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		require.Len(t, responses, 1)
		assert.True(t, responses[0].HasMatched)
		assert.True(t, r.IsLogicalChannelOpen())
		assert.Equal(t, "123456789000", hex.EncodeToString(responses[0].SelectApplicationResponse.Apdu()))
	})

	t.Run("6283 only matches when declared successful", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.answer(selectCommand, "1234566283")
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(aid))},
			card.FIRST_MATCH, card.KEEP_OPEN)
		require.NoError(t, err)
		assert.False(t, responses[0].HasMatched)
		assert.False(t, r.IsLogicalChannelOpen())

		responses, err = r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(aid), card.WithSuccessfulStatusWords(0x6283))},
			card.FIRST_MATCH, card.KEEP_OPEN)
		require.NoError(t, err)
		assert.True(t, responses[0].HasMatched)
		assert.True(t, r.IsLogicalChannelOpen())
	})

	t.Run("power-on data mismatch", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.powerOnData = "3B8F8001804F0CA000000306030001000000006A"
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithPowerOnDataRegex("3B88.*"))},
			card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.False(t, responses[0].HasMatched)
		assert.Equal(t, driver.powerOnData, responses[0].PowerOnData)
		assert.False(t, r.IsLogicalChannelOpen())
		assert.Empty(t, driver.sentHex())
	})

	t.Run("first match keeps the channel open then a miss closes it", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.answer(selectCommand, "6f009000")
		driver.answer("00a4040003aabbcc00", "6a82")
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(aid))},
			card.FIRST_MATCH, card.KEEP_OPEN)
		require.NoError(t, err)
		assert.True(t, responses[0].HasMatched)
		assert.True(t, r.IsLogicalChannelOpen())

		responses, err = r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithAid(apdu.MustHex("AABBCC")))},
			card.FIRST_MATCH, card.KEEP_OPEN)
		require.NoError(t, err)
		assert.False(t, responses[0].HasMatched)
		assert.False(t, r.IsLogicalChannelOpen())
	})

	t.Run("first match stops at the first matching request", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t), selectionRequest(t)},
			card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.Len(t, responses, 1)
	})

	t.Run("process all runs every request and closes the logical channel", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t), selectionRequest(t)},
			card.PROCESS_ALL, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.Len(t, responses, 2)
		assert.False(t, r.IsLogicalChannelOpen())
		assert.True(t, driver.IsPhysicalChannelOpen())
	})

	t.Run("close after releases the physical channel", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		r := registeredLocalReader(driver)

		_, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t)},
			card.FIRST_MATCH, card.CLOSE_AFTER)

		require.NoError(t, err)
		assert.False(t, driver.IsPhysicalChannelOpen())
		assert.False(t, r.IsLogicalChannelOpen())
	})

	t.Run("card request of a matching selection tolerates unexpected status words", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.enqueue("6a82")
		r := registeredLocalReader(driver)

		request := selectionRequest(t)
		request.CardRequest = card.NewCardRequest(true, card.NewApduRequest(apdu.MustHex("00B2014400")))
		responses, err := r.TransmitCardSelectionRequests([]*card.CardSelectionRequest{request}, card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		require.NotNil(t, responses[0].CardResponse)
		assert.Len(t, responses[0].CardResponse.ApduResponses, 1)
	})

	t.Run("no card is a card failure", func(t *testing.T) {
		r := registeredLocalReader(newFakeReaderSpi("r"))

		_, err := r.TransmitCardSelectionRequests([]*card.CardSelectionRequest{selectionRequest(t)}, card.FIRST_MATCH, card.KEEP_OPEN)

		var broken *readererror.CardBrokenCommunicationError
		require.True(t, errors.As(err, &broken))
		require.NotNil(t, broken.CardResponse)
		assert.Empty(t, broken.CardResponse.ApduResponses)
	})

	t.Run("failing selection keeps the responses of earlier selections", func(t *testing.T) {
		first := apdu.MustHex("A000000527")
		second := apdu.MustHex("A000000308")
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		driver.answer("00a4040005a00000052700", "6f009000")
		driver.failOn("00a4040005a00000030800", spi.NewCardIOError(nil, "card mute"))
		r := registeredLocalReader(driver)

		_, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{
				selectionRequest(t, card.WithAid(first)),
				selectionRequest(t, card.WithAid(second)),
			},
			card.PROCESS_ALL, card.KEEP_OPEN)

		var broken *readererror.CardBrokenCommunicationError
		require.True(t, errors.As(err, &broken))
		require.NotNil(t, broken.CardResponse)
		require.Len(t, broken.CardResponse.ApduResponses, 1)
		assert.Equal(t, uint16(0x9000), broken.CardResponse.ApduResponses[0].StatusWord())
		assert.False(t, driver.IsPhysicalChannelOpen())
	})
}

func TestLocalReader_Protocols(t *testing.T) {
	t.Run("selector protocol without any association never matches", func(t *testing.T) {
		driver := newFakeReaderSpi("r")
		driver.setPresent(true)
		r := registeredLocalReader(driver)

		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithCardProtocol("ISO_14443_4"))},
			card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.False(t, responses[0].HasMatched)
		assert.Empty(t, responses[0].PowerOnData)
	})

	t.Run("current protocol is resolved through the associations", func(t *testing.T) {
		driver := newConfigurablePollingReaderSpi("r", "ISO_14443_4_READER")
		driver.setPresent(true)
		driver.current = "ISO_14443_4_READER"
		r := registeredLocalReader(driver)

		require.NoError(t, r.ActivateProtocol("ISO_14443_4_READER", "ISO_14443_4"))
		responses, err := r.TransmitCardSelectionRequests(
			[]*card.CardSelectionRequest{selectionRequest(t, card.WithCardProtocol("ISO_14443_4"))},
			card.FIRST_MATCH, card.KEEP_OPEN)

		require.NoError(t, err)
		assert.True(t, responses[0].HasMatched)
		assert.Equal(t, "ISO_14443_4", r.CurrentProtocol())
		assert.True(t, driver.active["ISO_14443_4_READER"])
	})

	t.Run("unsupported protocol", func(t *testing.T) {
		r := registeredLocalReader(newConfigurablePollingReaderSpi("r"))

		err := r.ActivateProtocol("MIFARE", "")

		var notSupported *readererror.ReaderProtocolNotSupportedError
		require.True(t, errors.As(err, &notSupported))
		assert.Equal(t, "MIFARE", notSupported.Protocol)
	})

	t.Run("deactivation drops the association", func(t *testing.T) {
		driver := newConfigurablePollingReaderSpi("r", "A")
		r := registeredLocalReader(driver)

		require.NoError(t, r.ActivateProtocol("A", "app"))
		require.NoError(t, r.DeactivateProtocol("A"))

		assert.Empty(t, r.protocolAssociations)
		assert.False(t, driver.active["A"])
	})

	t.Run("non configurable driver", func(t *testing.T) {
		r := registeredLocalReader(newFakeReaderSpi("r"))

		assert.True(t, errors.Is(r.ActivateProtocol("A", ""), readererror.ErrorIllegalState))
	})
}

func TestLocalReader_Unregister(t *testing.T) {
	driver := newFakeReaderSpi("r")
	r := registeredLocalReader(driver)

	r.Unregister()

	assert.False(t, r.IsRegistered())
	assert.True(t, driver.unregistered)
	_, err := r.IsCardPresent()
	assert.True(t, errors.Is(err, readererror.ErrorReaderNotRegistered))
}

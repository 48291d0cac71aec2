package reader

import (
	"sync/atomic"

	"github.com/MeneDev/scard-reader-service/apdu"
	"github.com/MeneDev/scard-reader-service/card"
	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Reader is the application view of a registered card reader.
type Reader interface {
	Name() string
	PluginName() string
	IsContactless() bool
	IsRegistered() bool
	IsCardPresent() (bool, error)
	ActivateProtocol(readerProtocol string, applicationProtocol string) error
	DeactivateProtocol(readerProtocol string) error
	TransmitCardSelectionRequests(requests []*card.CardSelectionRequest, multi card.MultiSelectionProcessing, channelControl card.ChannelControl) ([]*card.CardSelectionResponse, error)
	TransmitCardRequest(request *card.CardRequest, channelControl card.ChannelControl) (*card.CardResponse, error)
	ReleaseChannel() error
	Register()
	Unregister()
}

var _ Reader = (*LocalReader)(nil)

// LocalReader turns a ReaderSpi into a Reader. It owns the logical channel
// state and the reader/application protocol associations.
type LocalReader struct {
	spi        spi.ReaderSpi
	pluginName string

	registered         atomic.Bool
	logicalChannelOpen atomic.Bool

	protocolMu           syncutil.Mutex
	protocolAssociations map[string]string
	protocolOrder        []string
	currentProtocol      string
	useDefaultProtocol   bool
}

func NewLocalReader(readerSpi spi.ReaderSpi, pluginName string) *LocalReader {
	return &LocalReader{
		spi:                  readerSpi,
		pluginName:           pluginName,
		protocolAssociations: make(map[string]string),
		useDefaultProtocol:   true,
	}
}

func (r *LocalReader) Name() string {
	return r.spi.Name()
}

func (r *LocalReader) PluginName() string {
	return r.pluginName
}

func (r *LocalReader) IsContactless() bool {
	return r.spi.IsContactless()
}

// Spi returns the driver behind this reader.
func (r *LocalReader) Spi() spi.ReaderSpi {
	return r.spi
}

func (r *LocalReader) IsRegistered() bool {
	return r.registered.Load()
}

func (r *LocalReader) IsLogicalChannelOpen() bool {
	return r.logicalChannelOpen.Load()
}

func (r *LocalReader) Register() {
	r.registered.Store(true)
}

func (r *LocalReader) Unregister() {
	r.registered.Store(false)
	r.spi.OnUnregister()
}

func (r *LocalReader) checkStatus() error {
	if !r.registered.Load() {
		return errors.Wrapf(readererror.ErrorReaderNotRegistered, "reader %s", r.Name())
	}
	return nil
}

func (r *LocalReader) IsCardPresent() (bool, error) {
	if err := r.checkStatus(); err != nil {
		return false, err
	}
	present, err := r.spi.CheckCardPresence()
	if err != nil {
		return false, &readererror.ReaderBrokenCommunicationError{Message: "card presence check failed", Err: err}
	}
	return present, nil
}

// ActivateProtocol enables readerProtocol on the driver and associates it
// with applicationProtocol, the name card selectors refer to. An empty
// applicationProtocol reuses readerProtocol.
func (r *LocalReader) ActivateProtocol(readerProtocol string, applicationProtocol string) error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	if readerProtocol == "" {
		return errors.Wrap(readererror.ErrorInvalidArgument, "reader protocol is empty")
	}
	if applicationProtocol == "" {
		applicationProtocol = readerProtocol
	}

	configurable, ok := r.spi.(spi.ConfigurableReaderSpi)
	if !ok {
		return errors.Wrapf(readererror.ErrorIllegalState, "reader %s does not support protocol configuration", r.Name())
	}
	if !configurable.IsProtocolSupported(readerProtocol) {
		return &readererror.ReaderProtocolNotSupportedError{Protocol: readerProtocol}
	}
	if err := configurable.ActivateProtocol(readerProtocol); err != nil {
		return &readererror.ReaderProtocolNotSupportedError{Protocol: readerProtocol, Err: err}
	}

	r.protocolMu.Lock()
	defer r.protocolMu.Unlock()
	if _, known := r.protocolAssociations[readerProtocol]; !known {
		r.protocolOrder = append(r.protocolOrder, readerProtocol)
	}
	r.protocolAssociations[readerProtocol] = applicationProtocol
	return nil
}

func (r *LocalReader) DeactivateProtocol(readerProtocol string) error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	if readerProtocol == "" {
		return errors.Wrap(readererror.ErrorInvalidArgument, "reader protocol is empty")
	}

	configurable, ok := r.spi.(spi.ConfigurableReaderSpi)
	if !ok {
		return errors.Wrapf(readererror.ErrorIllegalState, "reader %s does not support protocol configuration", r.Name())
	}

	r.protocolMu.Lock()
	delete(r.protocolAssociations, readerProtocol)
	for i, p := range r.protocolOrder {
		if p == readerProtocol {
			r.protocolOrder = append(r.protocolOrder[:i:i], r.protocolOrder[i+1:]...)
			break
		}
	}
	r.protocolMu.Unlock()

	if !configurable.IsProtocolSupported(readerProtocol) {
		return &readererror.ReaderProtocolNotSupportedError{Protocol: readerProtocol}
	}
	if err := configurable.DeactivateProtocol(readerProtocol); err != nil {
		return &readererror.ReaderProtocolNotSupportedError{Protocol: readerProtocol, Err: err}
	}
	return nil
}

// CurrentProtocol returns the application protocol of the inserted card as
// computed when the physical channel was opened, or "" when unknown.
func (r *LocalReader) CurrentProtocol() string {
	r.protocolMu.Lock()
	defer r.protocolMu.Unlock()
	return r.currentProtocol
}

func (r *LocalReader) computeCurrentProtocol() {
	r.protocolMu.Lock()
	defer r.protocolMu.Unlock()

	r.currentProtocol = ""
	if len(r.protocolAssociations) == 0 {
		r.useDefaultProtocol = true
		return
	}
	r.useDefaultProtocol = false

	configurable, ok := r.spi.(spi.ConfigurableReaderSpi)
	if !ok {
		return
	}
	for _, readerProtocol := range r.protocolOrder {
		if configurable.IsCurrentProtocol(readerProtocol) {
			r.currentProtocol = r.protocolAssociations[readerProtocol]
			log.Debug().Str("reader", r.Name()).Str("protocol", r.currentProtocol).Msg("Current card protocol")
		}
	}
}

func (r *LocalReader) TransmitCardSelectionRequests(requests []*card.CardSelectionRequest, multi card.MultiSelectionProcessing, channelControl card.ChannelControl) ([]*card.CardSelectionResponse, error) {
	if err := r.checkStatus(); err != nil {
		return nil, err
	}

	if !r.spi.IsPhysicalChannelOpen() {
		if err := r.spi.OpenPhysicalChannel(); err != nil {
			return nil, brokenCommunication(err, nil, false, "opening the physical channel failed")
		}
		r.computeCurrentProtocol()
	}

	responses := make([]*card.CardSelectionResponse, 0, len(requests))
	for _, request := range requests {
		response, err := r.processCardSelectionRequest(request)
		if err != nil {
			return nil, brokenCommunication(err, partialSelectionResponse(responses), false, "card selection failed")
		}
		responses = append(responses, response)

		if multi == card.PROCESS_ALL {
			r.closeLogicalChannel()
		} else if r.logicalChannelOpen.Load() {
			break
		}
	}

	if channelControl == card.CLOSE_AFTER {
		if err := r.releaseChannel(); err != nil {
			return responses, err
		}
	}
	return responses, nil
}

func (r *LocalReader) TransmitCardRequest(request *card.CardRequest, channelControl card.ChannelControl) (*card.CardResponse, error) {
	if err := r.checkStatus(); err != nil {
		return nil, err
	}

	response, err := r.processCardRequest(request)
	if channelControl == card.CLOSE_AFTER {
		if releaseErr := r.releaseChannel(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}
	return response, err
}

func (r *LocalReader) ReleaseChannel() error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	return r.releaseChannel()
}

func (r *LocalReader) releaseChannel() error {
	err := r.spi.ClosePhysicalChannel()
	r.logicalChannelOpen.Store(false)
	if err != nil {
		return &readererror.ReaderBrokenCommunicationError{Message: "closing the physical channel failed", Err: err}
	}
	return nil
}

func (r *LocalReader) closeLogicalChannel() {
	log.Trace().Str("reader", r.Name()).Msg("Closing logical channel")
	if autonomous, ok := r.spi.(spi.AutonomousSelectionReaderSpi); ok {
		autonomous.CloseLogicalChannel()
	}
	r.logicalChannelOpen.Store(false)
}

// closeLogicalAndPhysicalChannelsSilently is used once the card is known to
// be gone; failures are only logged.
func (r *LocalReader) closeLogicalAndPhysicalChannelsSilently() {
	r.closeLogicalChannel()
	if err := r.spi.ClosePhysicalChannel(); err != nil {
		log.Debug().Str("reader", r.Name()).Err(err).Msg("Error while closing the physical channel")
	}
}

func (r *LocalReader) processCardSelectionRequest(request *card.CardSelectionRequest) (*card.CardSelectionResponse, error) {
	r.logicalChannelOpen.Store(false)

	status, err := r.processSelection(request.Selector)
	if err != nil {
		r.closeLogicalAndPhysicalChannelsSilently()
		return nil, err
	}

	response := &card.CardSelectionResponse{
		PowerOnData:               status.PowerOnData,
		SelectApplicationResponse: status.SelectApplicationResponse,
		HasMatched:                status.HasMatched,
	}
	if !status.HasMatched {
		return response, nil
	}

	r.logicalChannelOpen.Store(true)

	if request.CardRequest != nil {
		cardResponse, err := r.processCardRequest(request.CardRequest)
		if err != nil {
			var unexpected *readererror.UnexpectedStatusWordError
			if !errors.As(err, &unexpected) {
				return nil, err
			}
			log.Debug().Str("reader", r.Name()).Err(err).Msg("Selection card request stopped early")
			cardResponse = unexpected.CardResponse
		}
		response.CardResponse = cardResponse
	}
	return response, nil
}

func (r *LocalReader) processSelection(selector *card.CardSelector) (card.SelectionStatus, error) {
	if protocol := selector.CardProtocol(); protocol != "" {
		r.protocolMu.Lock()
		current, useDefault := r.currentProtocol, r.useDefaultProtocol
		r.protocolMu.Unlock()
		if useDefault || protocol != current {
			log.Debug().Str("reader", r.Name()).Str("wanted", protocol).Str("current", current).Msg("Card protocol does not match")
			return card.SelectionStatus{}, nil
		}
	}

	powerOnData := r.spi.PowerOnData()
	if re := selector.PowerOnDataRegex(); re != nil && !re.MatchString(powerOnData) {
		log.Debug().Str("reader", r.Name()).Str("powerOnData", powerOnData).Msg("Power-on data does not match")
		return card.SelectionStatus{PowerOnData: powerOnData}, nil
	}

	if selector.Aid() == nil {
		return card.SelectionStatus{PowerOnData: powerOnData, HasMatched: true}, nil
	}

	fci, err := r.selectByAid(selector)
	if err != nil {
		return card.SelectionStatus{}, err
	}
	return card.SelectionStatus{
		PowerOnData:               powerOnData,
		SelectApplicationResponse: fci,
		HasMatched:                selector.IsSuccessful(fci.StatusWord()),
	}, nil
}

func (r *LocalReader) selectByAid(selector *card.CardSelector) (*card.ApduResponse, error) {
	if autonomous, ok := r.spi.(spi.AutonomousSelectionReaderSpi); ok {
		rsp, err := autonomous.OpenChannelForAid(selector.Aid(), selector.P2())
		if err != nil {
			return nil, err
		}
		return card.NewApduResponse(rsp), nil
	}

	cmd, err := apdu.SelectApplication(selector.Aid(), selector.P2())
	if err != nil {
		return nil, err
	}
	return r.processApduRequest(card.NewApduRequest(cmd).SetInfo("Internal Select Application"))
}

func (r *LocalReader) processCardRequest(request *card.CardRequest) (*card.CardResponse, error) {
	responses := make([]*card.ApduResponse, 0, len(request.ApduRequests))

	for _, apduRequest := range request.ApduRequests {
		response, err := r.processApduRequest(apduRequest)
		if err != nil {
			r.closeLogicalAndPhysicalChannelsSilently()
			partial := &card.CardResponse{ApduResponses: responses, LogicalChannelOpen: false}
			return partial, brokenCommunication(err, partial, false, "card request failed")
		}
		responses = append(responses, response)

		if request.StopOnUnsuccessfulStatusWord && !apduRequest.IsSuccessful(response.StatusWord()) {
			return nil, &readererror.UnexpectedStatusWordError{
				CardResponse:         &card.CardResponse{ApduResponses: responses, LogicalChannelOpen: r.logicalChannelOpen.Load()},
				AllRequestsProcessed: len(responses) == len(request.ApduRequests),
				StatusWord:           response.StatusWord(),
			}
		}
	}

	return &card.CardResponse{ApduResponses: responses, LogicalChannelOpen: r.logicalChannelOpen.Load()}, nil
}

func (r *LocalReader) processApduRequest(request *card.ApduRequest) (*card.ApduResponse, error) {
	return r.exchangeApdu(request, 0)
}

// exchangeApdu transmits request and follows the T=0 style continuations
// (61XX, 6CXX and case 4 GET RESPONSE) up to apdu.MaxChainingDepth times.
func (r *LocalReader) exchangeApdu(request *card.ApduRequest, depth int) (*card.ApduResponse, error) {
	if depth > apdu.MaxChainingDepth {
		return nil, spi.NewCardIOError(nil, "card keeps asking for continuation after %d exchanges", apdu.MaxChainingDepth)
	}

	log.Debug().Str("reader", r.Name()).Str("info", request.Info()).Hex("apdu", request.Apdu()).Msg("Transmit")
	raw, err := r.spi.TransmitApdu(request.Apdu())
	if err != nil {
		return nil, err
	}
	response := card.NewApduResponse(raw)
	log.Debug().Str("reader", r.Name()).Hex("rsp", raw).Msg("Receive")

	if len(response.DataOut()) != 0 {
		return response, nil
	}

	sw := response.StatusWord()
	switch {
	case apdu.SW1(sw) == apdu.SW_6100:
		getResponse := card.NewApduRequest(apdu.GetResponse(apdu.SW2(sw))).SetInfo("Internal Get Response")
		return r.exchangeApdu(getResponse, depth+1)
	case apdu.SW1(sw) == apdu.SW_6C00:
		return r.exchangeApdu(request.WithApdu(apdu.WithLe(request.Apdu(), apdu.SW2(sw))), depth+1)
	case apdu.IsCase4(request.Apdu()) && request.IsSuccessful(sw):
		getResponse := card.NewApduRequest(apdu.GetResponse(apdu.Le(request.Apdu()))).SetInfo("Internal Get Response")
		return r.exchangeApdu(getResponse, depth+1)
	}
	return response, nil
}

// partialSelectionResponse gathers the APDU responses of the selections
// processed before a failure.
func partialSelectionResponse(responses []*card.CardSelectionResponse) *card.CardResponse {
	partial := &card.CardResponse{}
	for _, response := range responses {
		if response.SelectApplicationResponse != nil {
			partial.ApduResponses = append(partial.ApduResponses, response.SelectApplicationResponse)
		}
		if response.CardResponse != nil {
			partial.ApduResponses = append(partial.ApduResponses, response.CardResponse.ApduResponses...)
		}
	}
	return partial
}

// brokenCommunication maps driver errors to the application errors. Errors
// that are already mapped pass through unchanged.
func brokenCommunication(err error, response *card.CardResponse, allProcessed bool, msg string) error {
	var readerBroken *readererror.ReaderBrokenCommunicationError
	var cardBroken *readererror.CardBrokenCommunicationError
	var unexpected *readererror.UnexpectedStatusWordError
	var readerError readererror.ReaderError
	if response == nil {
		response = &card.CardResponse{}
	}
	switch {
	case errors.As(err, &readerBroken), errors.As(err, &cardBroken), errors.As(err, &unexpected), errors.As(err, &readerError):
		return err
	case spi.IsCardIOError(err):
		return &readererror.CardBrokenCommunicationError{CardResponse: response, AllRequestsProcessed: allProcessed, Message: msg, Err: err}
	default:
		return &readererror.ReaderBrokenCommunicationError{CardResponse: response, AllRequestsProcessed: allProcessed, Message: msg, Err: err}
	}
}

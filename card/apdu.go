package card

import (
	"github.com/MeneDev/scard-reader-service/apdu"
)

// ApduRequest is a command APDU together with the status words that count as
// success for it.
type ApduRequest struct {
	apdu                  []byte
	successfulStatusWords map[uint16]struct{}
	info                  string
}

// NewApduRequest creates a request whose only successful status word is 9000.
func NewApduRequest(cmd []byte) *ApduRequest {
	return &ApduRequest{
		apdu:                  cmd,
		successfulStatusWords: map[uint16]struct{}{apdu.SW_9000: {}},
	}
}

func (r *ApduRequest) AddSuccessfulStatusWord(sw uint16) *ApduRequest {
	r.successfulStatusWords[sw] = struct{}{}
	return r
}

func (r *ApduRequest) SetInfo(info string) *ApduRequest {
	r.info = info
	return r
}

// WithApdu returns a request for cmd sharing the successful status words and
// info of r.
func (r *ApduRequest) WithApdu(cmd []byte) *ApduRequest {
	return &ApduRequest{apdu: cmd, successfulStatusWords: r.successfulStatusWords, info: r.info}
}

func (r *ApduRequest) Apdu() []byte {
	return r.apdu
}

func (r *ApduRequest) Info() string {
	return r.info
}

func (r *ApduRequest) IsSuccessful(sw uint16) bool {
	_, ok := r.successfulStatusWords[sw]
	return ok
}

// ApduResponse is a raw response APDU (data out followed by SW1 SW2).
type ApduResponse struct {
	apdu []byte
}

func NewApduResponse(rsp []byte) *ApduResponse {
	return &ApduResponse{apdu: rsp}
}

func (r *ApduResponse) Apdu() []byte {
	return r.apdu
}

func (r *ApduResponse) DataOut() []byte {
	return apdu.DataOut(r.apdu)
}

func (r *ApduResponse) StatusWord() uint16 {
	return apdu.StatusWord(r.apdu)
}

// CardRequest is an ordered list of APDUs sent in one go.
type CardRequest struct {
	ApduRequests                 []*ApduRequest
	StopOnUnsuccessfulStatusWord bool
}

func NewCardRequest(stopOnUnsuccessfulStatusWord bool, requests ...*ApduRequest) *CardRequest {
	return &CardRequest{ApduRequests: requests, StopOnUnsuccessfulStatusWord: stopOnUnsuccessfulStatusWord}
}

// CardResponse collects the responses of a CardRequest, possibly partial.
type CardResponse struct {
	ApduResponses      []*ApduResponse
	LogicalChannelOpen bool
}

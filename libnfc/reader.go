package libnfc

import (
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/spi"
	"github.com/clausecker/nfc/v2"
	"github.com/rs/zerolog/log"
)

var _ spi.ObservableReaderSpi = (*Reader)(nil)
var _ spi.ConfigurableReaderSpi = (*Reader)(nil)
var _ spi.CardInsertionNonBlockingSpi = (*Reader)(nil)
var _ spi.CardRemovalNonBlockingSpi = (*Reader)(nil)

// maximum extended response plus status word
const rxBufferSize = 262

// Reader is a libnfc device used as a contactless reader. The device is not
// safe for concurrent use, every access goes through mu.
type Reader struct {
	name   string
	config *Config

	mu              syncutil.Mutex
	device          Device
	target          nfc.Target
	activeProtocols map[string]bool
}

func newReader(name string, device Device, config *Config) *Reader {
	return &Reader{
		name:            name,
		config:          config,
		device:          device,
		activeProtocols: make(map[string]bool),
	}
}

func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) IsContactless() bool {
	return true
}

// poll returns the first target found by any configured modulation.
func (r *Reader) poll() (nfc.Modulation, nfc.Target, error) {
	var lastErr error
	for _, m := range r.config.modulations() {
		targets, err := r.device.InitiatorListPassiveTargets(m)
		if err != nil {
			lastErr = err
			continue
		}
		if len(targets) > 0 {
			return m, targets[0], nil
		}
	}
	return nfc.Modulation{}, nil, lastErr
}

// CheckCardPresence polls the field. While a tag is selected it is assumed
// present, removal is then noticed by the ping APDU.
func (r *Reader) CheckCardPresence() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return false, spi.NewReaderIOError(nil, "device %s is closed", r.name)
	}
	if r.target != nil {
		return true, nil
	}

	_, target, err := r.poll()
	if target != nil {
		return true, nil
	}
	if err != nil {
		return false, spi.NewReaderIOError(err, "polling %s", r.name)
	}
	return false, nil
}

func (r *Reader) OpenPhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return spi.NewReaderIOError(nil, "device %s is closed", r.name)
	}
	return r.selectTarget()
}

// selectTarget selects the first tag in the field unless one is selected.
func (r *Reader) selectTarget() error {
	if r.target != nil {
		return nil
	}
	m, found, err := r.poll()
	if found == nil {
		return spi.NewCardIOError(err, "no tag in the field of %s", r.name)
	}
	target, err := r.device.InitiatorSelectPassiveTarget(m, nil)
	if err != nil {
		return spi.NewCardIOError(err, "selecting tag on %s", r.name)
	}
	r.target = target
	log.Debug().Str("reader", r.name).Str("target", target.String()).Msg("Tag selected")
	return nil
}

func (r *Reader) ClosePhysicalChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil || r.device == nil {
		r.target = nil
		return nil
	}
	r.target = nil
	if err := r.device.InitiatorDeselectTarget(); err != nil {
		return spi.NewReaderIOError(err, "deselecting tag on %s", r.name)
	}
	return nil
}

func (r *Reader) IsPhysicalChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target != nil
}

func (r *Reader) PowerOnData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		return ""
	}
	return powerOnData(r.target)
}

func (r *Reader) TransmitApdu(cmd []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return nil, spi.NewReaderIOError(nil, "device %s is closed", r.name)
	}
	if err := r.selectTarget(); err != nil {
		return nil, err
	}

	var rx [rxBufferSize]byte
	n, err := r.device.InitiatorTransceiveBytes(cmd, rx[:], r.config.transceiveTimeout())
	if err != nil {
		r.target = nil
		return nil, spi.NewCardIOError(err, "transceiving with tag on %s", r.name)
	}
	return append([]byte(nil), rx[:n]...), nil
}

func (r *Reader) CardInsertionPollCycle() time.Duration {
	return r.config.PollCycle
}

func (r *Reader) CardRemovalPollCycle() time.Duration {
	return r.config.PollCycle
}

func (r *Reader) OnStartDetection() {
	log.Debug().Str("reader", r.name).Msg("libnfc polling started")
}

func (r *Reader) OnStopDetection() {
	log.Debug().Str("reader", r.name).Msg("libnfc polling stopped")
}

// OnUnregister closes the device.
func (r *Reader) OnUnregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return
	}
	if err := r.device.Close(); err != nil {
		log.Debug().Str("reader", r.name).Err(err).Msg("Could not close device")
	}
	r.device = nil
	r.target = nil
}

func (r *Reader) IsProtocolSupported(readerProtocol string) bool {
	for _, p := range supportedProtocols {
		if p == readerProtocol {
			return true
		}
	}
	return false
}

func (r *Reader) ActivateProtocol(readerProtocol string) error {
	if !r.IsProtocolSupported(readerProtocol) {
		return &spi.ProtocolNotSupportedError{Protocol: readerProtocol}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeProtocols[readerProtocol] = true
	return nil
}

func (r *Reader) DeactivateProtocol(readerProtocol string) error {
	if !r.IsProtocolSupported(readerProtocol) {
		return &spi.ProtocolNotSupportedError{Protocol: readerProtocol}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeProtocols, readerProtocol)
	return nil
}

func (r *Reader) IsCurrentProtocol(readerProtocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target != nil && r.activeProtocols[readerProtocol] && protocolOf(r.target) == readerProtocol
}

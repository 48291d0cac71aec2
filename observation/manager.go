// Package observation keeps the observers of a plugin or reader together with
// the exception handler that receives whatever goes wrong while notifying them.
package observation

import (
	"time"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/MeneDev/scard-reader-service/readererror"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Registration describes a registered observer.
type Registration struct {
	ID           string
	RegisteredAt time.Time
}

type entry[O any] struct {
	observer O
	reg      Registration
}

// Manager is an ordered set of observers of type O and a single exception
// handler of type H. The zero value is not usable, use NewManager.
type Manager[O any, H any] struct {
	owner string

	mu         syncutil.RWMutex
	observers  []entry[O]
	handler    H
	hasHandler bool
}

func NewManager[O any, H any](owner string) *Manager[O, H] {
	return &Manager[O, H]{owner: owner}
}

func (m *Manager[O, H]) SetExceptionHandler(handler H) error {
	if any(handler) == nil {
		return errors.Wrapf(readererror.ErrorInvalidArgument, "%s: exception handler is nil", m.owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.hasHandler = true
	return nil
}

func (m *Manager[O, H]) ExceptionHandler() (H, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler, m.hasHandler
}

// AddObserver registers observer and returns the number of observers
// afterwards. Registering the same observer twice is a no-op.
func (m *Manager[O, H]) AddObserver(observer O) (int, error) {
	if any(observer) == nil {
		return 0, errors.Wrapf(readererror.ErrorInvalidArgument, "%s: observer is nil", m.owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasHandler {
		return len(m.observers), errors.Wrapf(readererror.ErrorNoExceptionHandler, "%s", m.owner)
	}

	for _, e := range m.observers {
		if sameObserver(e.observer, observer) {
			return len(m.observers), nil
		}
	}

	reg := Registration{ID: uuid.NewString(), RegisteredAt: time.Now()}
	m.observers = append(m.observers, entry[O]{observer: observer, reg: reg})

	log.Debug().Str("owner", m.owner).Str("observer_id", reg.ID).Int("count", len(m.observers)).Msg("observer added")

	return len(m.observers), nil
}

// RemoveObserver unregisters observer and returns the number of observers
// afterwards. Unknown observers are ignored.
func (m *Manager[O, H]) RemoveObserver(observer O) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.observers {
		if sameObserver(e.observer, observer) {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			log.Debug().Str("owner", m.owner).Str("observer_id", e.reg.ID).Int("count", len(m.observers)).Msg("observer removed")
			break
		}
	}

	return len(m.observers)
}

// sameObserver compares by ==. Dynamic types that cannot be compared, such
// as structs holding slices, are never equal to anything.
func sameObserver[O any](a, b O) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return any(a) == any(b)
}

func (m *Manager[O, H]) ClearObservers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = nil
}

func (m *Manager[O, H]) CountObservers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// Observers returns a snapshot in registration order.
func (m *Manager[O, H]) Observers() []O {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]O, 0, len(m.observers))
	for _, e := range m.observers {
		out = append(out, e.observer)
	}
	return out
}

func (m *Manager[O, H]) Registrations() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Registration, 0, len(m.observers))
	for _, e := range m.observers {
		out = append(out, e.reg)
	}
	return out
}

// Notify calls notify for every observer outside of the lock. A panic of an
// observer is turned into an error and handed to onError together with the
// exception handler; the remaining observers are still notified.
func (m *Manager[O, H]) Notify(notify func(O), onError func(H, error)) {
	for _, o := range m.Observers() {
		if err := safeCall(func() { notify(o) }); err != nil {
			m.HandleError(err, onError)
		}
	}
}

// HandleError hands err to the exception handler. Failures of the handler
// itself are logged.
func (m *Manager[O, H]) HandleError(err error, onError func(H, error)) {
	handler, ok := m.ExceptionHandler()
	if !ok {
		log.Error().Err(err).Str("owner", m.owner).Msg("no exception handler defined, error dropped")
		return
	}

	if herr := safeCall(func() { onError(handler, err) }); herr != nil {
		log.Error().Err(herr).Str("owner", m.owner).Msg("exception handler failed")
		log.Error().Err(err).Str("owner", m.owner).Msg("original error")
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = errors.Wrap(v, "panic")
			default:
				err = errors.Errorf("panic: %v", v)
			}
		}
	}()

	fn()
	return nil
}

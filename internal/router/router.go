// Package router turns inbound chat events into session transitions and
// reply texts.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/classifier"
	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/logging"
)

// DefaultClassifyTimeout bounds a single classification call.
const DefaultClassifyTimeout = 10 * time.Second

var newTraceID = uuid.NewString

// CredentialStore is the subset of credential.Store the router drives.
type CredentialStore interface {
	Register(ctx context.Context, userID int64, secret string) error
	Login(ctx context.Context, userID int64, secret string) error
	Logout(ctx context.Context, userID int64) error
	Authenticated(ctx context.Context, userID int64) (bool, error)
	Exists(ctx context.Context, userID int64) (bool, error)
}

// SessionMachine is the subset of session.Machine the router drives.
type SessionMachine interface {
	Lock(userID int64) (unlock func())
	State(userID int64) domain.SessionState
	Transition(userID int64, next domain.SessionState) error
	Reset(userID int64)
}

// Result is the outcome of one handled event.
type Result struct {
	Reply   string
	State   domain.SessionState
	TraceID string
}

// Option customizes a Router.
type Option func(*Router)

// WithClassifyTimeout overrides DefaultClassifyTimeout. Non-positive values are ignored.
func WithClassifyTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.classifyTimeout = d
		}
	}
}

// Router dispatches events per user. Events of one user are handled one at a
// time; different users never wait on each other.
type Router struct {
	store      CredentialStore
	machine    SessionMachine
	classifier classifier.Classifier
	logger     *logrus.Entry

	classifyTimeout time.Duration
}

type transition struct {
	next  domain.SessionState
	reply string
}

// New constructs a Router.
func New(store CredentialStore, machine SessionMachine, c classifier.Classifier, logger *logrus.Entry, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if machine == nil {
		return nil, errors.New("session machine is required")
	}
	if c == nil {
		return nil, errors.New("classifier is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	r := &Router{
		store:           store,
		machine:         machine,
		classifier:      c,
		logger:          logger,
		classifyTimeout: DefaultClassifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// AwaitingImage reports whether the next image from userID would be
// classified. The transport uses it to skip downloads nobody will read.
func (r *Router) AwaitingImage(userID int64) bool {
	return userID != 0 && r.machine.State(userID) == domain.StateAwaitingImage
}

// Handle processes ev under the user's session lock and commits the next state.
func (r *Router) Handle(ctx context.Context, ev domain.Event) Result {
	traceID := newTraceID()
	log := logging.Enrich(r.logger, logging.Context{
		UserID:  ev.UserID,
		ChatID:  ev.ChatID,
		TraceID: traceID,
	})

	if ev.UserID == 0 {
		log.WithField("event", "event_rejected").Warn("event without user id")
		return Result{Reply: msgInternalError, State: domain.StateIdle, TraceID: traceID}
	}

	unlock := r.machine.Lock(ev.UserID)
	defer unlock()

	from := r.machine.State(ev.UserID)
	current := from

	if ev.Kind == domain.EventCommand && ev.Command != domain.CommandCancel && current.IsAwaiting() {
		r.machine.Reset(ev.UserID)
		log.WithFields(logging.Fields{
			"event":   "flow_aborted",
			"state":   current.String(),
			"command": ev.Command,
		}).Info("command aborted pending flow")
		current = domain.StateIdle
	}

	t := r.dispatch(ctx, log, current, ev)

	if err := r.machine.Transition(ev.UserID, t.next); err != nil {
		log.WithFields(logging.Fields{
			"event": "transition_error",
			"from":  current.String(),
			"to":    t.next.String(),
		}).WithError(err).Error("rejected session transition")
		r.machine.Reset(ev.UserID)
	}

	to := r.machine.State(ev.UserID)

	log.WithFields(logging.Fields{
		"event":    "event_handled",
		"kind":     ev.Kind.String(),
		"command":  ev.Command,
		"text_len": len(ev.Text),
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("handled chat event")

	return Result{Reply: t.reply, State: to, TraceID: traceID}
}

func (r *Router) dispatch(ctx context.Context, log *logrus.Entry, state domain.SessionState, ev domain.Event) transition {
	if ev.Kind == domain.EventCommand {
		return r.command(ctx, log, state, ev)
	}

	switch state {
	case domain.StateAwaitingRegistrationSecret:
		if ev.Kind != domain.EventText {
			return move(state, msgSecretAsText)
		}
		return r.register(ctx, log, ev)
	case domain.StateAwaitingLoginSecret:
		if ev.Kind != domain.EventText {
			return move(state, msgSecretAsText)
		}
		return r.login(ctx, log, ev)
	case domain.StateAwaitingImage:
		if ev.Kind != domain.EventImage {
			return move(state, msgNotAnImage)
		}
		return r.classify(ctx, log, ev)
	default:
		if ev.Kind == domain.EventImage {
			return idle(msgPredictFirst)
		}
		return idle(msgHelp)
	}
}

// command handles ev as received in state. Every command except /cancel
// arrives here in Idle.
func (r *Router) command(ctx context.Context, log *logrus.Entry, state domain.SessionState, ev domain.Event) transition {
	switch ev.Command {
	case domain.CommandCancel:
		if state.IsAwaiting() {
			return idle(msgCancelled)
		}
		return idle(msgNothingCancel)

	case domain.CommandStart, domain.CommandHelp:
		return idle(msgHelp)

	case domain.CommandRegister:
		exists, err := r.store.Exists(ctx, ev.UserID)
		if err != nil {
			return r.failure(log, state, "register", err)
		}
		if exists {
			return idle(msgAlreadyRegistered)
		}
		return move(domain.StateAwaitingRegistrationSecret, msgEnterRegisterSecret)

	case domain.CommandLogin:
		exists, err := r.store.Exists(ctx, ev.UserID)
		if err != nil {
			return r.failure(log, state, "login", err)
		}
		if !exists {
			return idle(msgRegisterFirst)
		}
		return move(domain.StateAwaitingLoginSecret, msgEnterLoginSecret)

	case domain.CommandLogout:
		err := r.store.Logout(ctx, ev.UserID)
		switch {
		case err == nil:
			return idle(msgLoggedOut)
		case errors.Is(err, domain.ErrNotRegistered):
			return idle(msgNotRegistered)
		case errors.Is(err, domain.ErrNotLoggedIn):
			return idle(msgNotLoggedIn)
		default:
			return r.failure(log, state, "logout", err)
		}

	case domain.CommandPredict:
		ok, err := r.store.Authenticated(ctx, ev.UserID)
		if err != nil {
			return r.failure(log, state, "predict", err)
		}
		if !ok {
			return idle(msgLoginFirst)
		}
		return move(domain.StateAwaitingImage, msgSendImage)

	default:
		return idle(msgUnknownCommand)
	}
}

func (r *Router) register(ctx context.Context, log *logrus.Entry, ev domain.Event) transition {
	err := r.store.Register(ctx, ev.UserID, ev.Text)
	switch {
	case err == nil:
		return idle(msgRegistered)
	case errors.Is(err, domain.ErrAlreadyRegistered):
		return idle(msgAlreadyRegistered)
	case errors.Is(err, domain.ErrInvalidSecret):
		return move(domain.StateAwaitingRegistrationSecret, msgInvalidSecret)
	default:
		return r.failure(log, domain.StateAwaitingRegistrationSecret, "register", err)
	}
}

func (r *Router) login(ctx context.Context, log *logrus.Entry, ev domain.Event) transition {
	err := r.store.Login(ctx, ev.UserID, ev.Text)
	switch {
	case err == nil:
		return idle(msgLoggedIn)
	case errors.Is(err, domain.ErrWrongSecret):
		return move(domain.StateAwaitingLoginSecret, msgWrongSecret)
	case errors.Is(err, domain.ErrNotRegistered):
		return idle(msgRegisterFirst)
	case errors.Is(err, domain.ErrAlreadyLoggedIn):
		return idle(msgAlreadyLoggedIn)
	default:
		return r.failure(log, domain.StateAwaitingLoginSecret, "login", err)
	}
}

func (r *Router) classify(ctx context.Context, log *logrus.Entry, ev domain.Event) transition {
	cctx, cancel := context.WithTimeout(ctx, r.classifyTimeout)
	defer cancel()

	started := time.Now()
	label, err := r.classifier.Classify(cctx, ev.Image)

	entry := log.WithFields(logging.Fields{
		"event":       "image_classified",
		"image_bytes": len(ev.Image),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if err != nil && !errors.Is(err, domain.ErrClassificationTimeout) && classifier.IsTimeout(cctx, err) {
		err = fmt.Errorf("%w: %w", domain.ErrClassificationTimeout, err)
	}

	switch {
	case err == nil:
		entry.WithField("label", string(label)).Info("classified image")
		return idle(fmt.Sprintf(msgClassified, label))
	case errors.Is(err, domain.ErrClassificationTimeout):
		entry.WithError(err).Warn("classification timed out")
		return idle(msgTimeout)
	case errors.Is(err, domain.ErrInvalidImage):
		entry.WithError(err).Info("rejected image")
		return idle(msgInvalidImage)
	default:
		entry.WithError(err).Error("classification failed")
		return idle(msgUnavailable)
	}
}

// failure keeps state so the user can retry after a storage outage.
func (r *Router) failure(log *logrus.Entry, state domain.SessionState, op string, err error) transition {
	log.WithFields(logging.Fields{
		"event": "persistence_failure",
		"op":    op,
		"state": state.String(),
	}).WithError(err).Error("credential store operation failed")

	return move(state, msgInternalError)
}

func idle(reply string) transition {
	return transition{next: domain.StateIdle, reply: reply}
}

func move(state domain.SessionState, reply string) transition {
	return transition{next: state, reply: reply}
}

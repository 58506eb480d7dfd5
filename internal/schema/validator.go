package schema

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"live-vision-service/internal/models"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the required fields of the published event types.
// Other values pass unchecked.
func (v *Validator) Validate(event any) error {
	var err error
	switch e := event.(type) {
	case models.SessionStateEvent:
		err = v.state(&e)
	case *models.SessionStateEvent:
		err = v.state(e)
	case models.DiagnosticEvent:
		err = v.diagnostic(&e)
	case *models.DiagnosticEvent:
		err = v.diagnostic(e)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Event failed validation")
	}
	return err
}

func (v *Validator) state(e *models.SessionStateEvent) error {
	switch {
	case e.EventType != models.EventTypeState:
		return fmt.Errorf("%w: eventType %q", ErrInvalidEvent, e.EventType)
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEvent)
	case e.State == "":
		return fmt.Errorf("%w: missing state", ErrInvalidEvent)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

func (v *Validator) diagnostic(e *models.DiagnosticEvent) error {
	switch {
	case e.EventType != models.EventTypeDiagnostic:
		return fmt.Errorf("%w: eventType %q", ErrInvalidEvent, e.EventType)
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEvent)
	case e.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

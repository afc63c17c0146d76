package scheduling

import "errors"

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrIneligible means the appointment cannot be used to open a visit.
	ErrIneligible = errors.New("appointment is not eligible for check-in")
	// ErrStatusConflict means the stored status changed underneath an update.
	ErrStatusConflict = errors.New("appointment status changed concurrently")
)

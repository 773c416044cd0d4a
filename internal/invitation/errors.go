package invitation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

var (
	// ErrNotFound covers unknown, cancelled and foreign invitations alike so
	// callers cannot tell them apart.
	ErrNotFound        = errors.New("invitation unavailable")
	ErrAlreadyResolved = errors.New("invitation already resolved")
	ErrForbidden       = errors.New("not allowed to manage invitations here")
)

// ValidationError maps request fields to what is wrong with them.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid invitation: " + strings.Join(parts, ", ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// DeliveryError is a failed send. The invitation it belongs to is stored and
// can be resent.
type DeliveryError struct {
	InvitationID int64
	Channel      models.Channel
	Reason       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery of invitation %d failed: %s", e.Channel, e.InvitationID, e.Reason)
}

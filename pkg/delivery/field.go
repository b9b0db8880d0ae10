package delivery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gregLibert/card-provisioning/pkg/api"
)

// FieldType enumerates the input widgets a service can request.
type FieldType string

const (
	FieldEdit        FieldType = "edit"
	FieldCheckbox    FieldType = "checkbox"
	FieldDate        FieldType = "date"
	FieldOption      FieldType = "option"
	FieldPaymentCard FieldType = "paymentcard"
	FieldText        FieldType = "text"
	FieldImage       FieldType = "image"
)

// Field is one user-input request from the service. Label is already
// resolved to a single display language; Labels carries the choices of
// multiple-choice fields, in order. Value starts empty and is set exactly
// once by the form handler before use.
type Field struct {
	ID     string
	Label  string
	Labels []string
	Type   FieldType
	Format string // optional display format hint; empty when the service sent none
	Value  string
}

// FormHandler collects field values from the user and surfaces action
// descriptions. Rendering (console, GUI, ...) is entirely the
// implementation's concern.
type FormHandler interface {
	// ProcessForm receives the full field list once and returns a mapping
	// from field id to the filled field.
	ProcessForm(fields []Field) (map[string]Field, error)

	// Confirm displays the messages and blocks until the user acknowledges.
	Confirm(messages ...string) error
}

// wireField is the JSON shape fields arrive in.
type wireField struct {
	ID     string          `json:"id"`
	Label  api.Localized   `json:"label"`
	Labels []api.Localized `json:"labels"`
	Type   FieldType       `json:"type"`
	Format string          `json:"format"`
}

func fieldsFromWire(wire []wireField) []Field {
	fields := make([]Field, 0, len(wire))
	for _, w := range wire {
		f := Field{
			ID:     w.ID,
			Label:  w.Label.String(),
			Type:   w.Type,
			Format: w.Format,
		}
		for _, l := range w.Labels {
			f.Labels = append(f.Labels, l.String())
		}
		fields = append(fields, f)
	}
	return fields
}

// PaymentCard is the structured form a paymentcard field value is expanded
// into before transmission.
type PaymentCard struct {
	CardNumber  string `json:"cardNumber"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
	CVV         string `json:"cvv,omitempty"`
}

// ParsePaymentCard splits a collected paymentcard value of the form
// "PAN;MM/YY" or "PAN;MM/YY;CVV" into its structured parts. The CVV is
// optional and omitted from the serialized object when absent.
func ParsePaymentCard(value string) (*PaymentCard, error) {
	parts := strings.Split(value, ";")
	if len(parts) < 2 {
		return nil, fmt.Errorf("payment card value must be PAN;MM/YY[;CVV]")
	}

	date := strings.Split(parts[1], "/")
	if len(date) != 2 {
		return nil, fmt.Errorf("payment card expiry must be MM/YY, got %q", parts[1])
	}
	month, err := strconv.Atoi(date[0])
	if err != nil {
		return nil, fmt.Errorf("payment card expiry month: %w", err)
	}
	year, err := strconv.Atoi(date[1])
	if err != nil {
		return nil, fmt.Errorf("payment card expiry year: %w", err)
	}

	card := &PaymentCard{
		CardNumber:  parts[0],
		ExpiryMonth: month,
		ExpiryYear:  year,
	}
	if len(parts) > 2 {
		card.CVV = parts[2]
	}
	return card, nil
}

// payload serializes the card for transmission.
func (p *PaymentCard) payload() (string, error) {
	out, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

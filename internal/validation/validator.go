package validation

import (
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/BiniyamTT/mpesa-api/internal/payments"
)

// New returns a validator with the msisdn and notblank rules and the
// PaymentRequest amount check registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	_ = v.RegisterValidation("msisdn", msisdn)
	_ = v.RegisterValidation("notblank", notBlank)

	// decimal.Decimal is a struct, so the amount rules live at struct level.
	v.RegisterStructValidation(paymentRequestStructValidation, PaymentRequest{})

	return v
}

// msisdn accepts any phone number NormalizePhone can turn into gateway format.
func msisdn(fl validatorv10.FieldLevel) bool {
	_, err := payments.NormalizePhone(fl.Field().String())
	return err == nil
}

func notBlank(fl validatorv10.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func paymentRequestStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PaymentRequest)

	switch {
	case !req.Amount.IsPositive():
		sl.ReportError(req.Amount, "amount", "Amount", "gt", "0")
	case !req.Amount.IsInteger():
		sl.ReportError(req.Amount, "amount", "Amount", "whole", "")
	}
}

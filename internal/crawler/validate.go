package crawler

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func snapshotValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	})
	return validate
}

// decimalValue exposes decimals to numeric validation tags.
func decimalValue(field reflect.Value) any {
	d, ok := field.Interface().(decimal.Decimal)
	if !ok {
		return nil
	}
	f, _ := d.Float64()
	return f
}

// ValidateSnapshot checks the shape of a snapshot before it is accepted or stored.
func ValidateSnapshot(s Snapshot) error {
	if err := snapshotValidator().Struct(s); err != nil {
		return fmt.Errorf("validate snapshot %q: %w", s.ID, err)
	}
	return nil
}

package risk

import (
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/riskgate/pkg/money"
)

var validate = newValidator()

// newValidator lets numeric tags such as gte=0 apply to decimal and money
// fields.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		switch x := field.Interface().(type) {
		case decimal.Decimal:
			f, _ := x.Float64()
			return f
		case money.Money:
			f, _ := x.Amount.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{}, money.Money{})
	return v
}

package domain

type PaymentMethod string

const (
	PaymentMethodCash      PaymentMethod = "cash"
	PaymentMethodCard      PaymentMethod = "card"
	PaymentMethodSplit     PaymentMethod = "split"
	PaymentMethodMultiCard PaymentMethod = "multi_card"
	PaymentMethodInvoice   PaymentMethod = "invoice"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodSplit, PaymentMethodMultiCard, PaymentMethodInvoice:
		return true
	}
	return false
}

// UsesTerminal reports whether at least one leg of the method is charged on a card terminal.
func (m PaymentMethod) UsesTerminal() bool {
	return m == PaymentMethodCard || m == PaymentMethodSplit || m == PaymentMethodMultiCard
}

type LegKind string

const (
	LegKindCash    LegKind = "cash"
	LegKindCard    LegKind = "card"
	LegKindInvoice LegKind = "invoice"
)

type LegStatus string

const (
	LegStatusPending  LegStatus = "pending"
	LegStatusApproved LegStatus = "approved"
	LegStatusDeclined LegStatus = "declined"
)

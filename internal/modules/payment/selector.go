package payment

import (
	"fmt"
	"strings"
)

// defaultRoute is the static method -> processor table. The switch is total
// over Methods; anything else is outside the enumeration.
func defaultRoute(m PaymentMethod) (ProcessorID, bool) {
	switch m {
	case MethodCreditCard, MethodDebitCard:
		return ProcessorWompi, true
	case MethodNequi, MethodPSE, MethodDigitalWallet:
		return ProcessorWompi, true
	case MethodCash, MethodBaloto:
		return ProcessorWompi, true
	case MethodEfecty:
		return ProcessorMercadoPago, true
	case MethodDaviplata:
		// Neither gateway accepts Daviplata.
		return ProcessorDirect, true
	case MethodBankTransfer, MethodACHTransfer, MethodCryptocurrency:
		return ProcessorDirect, true
	case MethodShortTermCredit, MethodInstalmentCredit:
		return ProcessorDirect, true
	}
	return "", false
}

// Selector picks the processor for a payment method.
type Selector struct {
	processors map[ProcessorID]Processor
	overrides  map[PaymentMethod]ProcessorID
}

// NewSelector builds a selector over the given processors. overrides replaces
// entries of the default table, e.g. to route PSE through Mercado Pago.
func NewSelector(overrides map[PaymentMethod]ProcessorID, processors ...Processor) (*Selector, error) {
	s := &Selector{
		processors: make(map[ProcessorID]Processor, len(processors)),
		overrides:  overrides,
	}
	for _, p := range processors {
		s.processors[p.Name()] = p
	}
	// Every method must resolve at startup, not on the first payment.
	for _, m := range Methods {
		if _, err := s.GetProcessor(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetProcessor resolves the processor for a method.
func (s *Selector) GetProcessor(m PaymentMethod) (Processor, error) {
	id, ok := s.overrides[m]
	if !ok {
		if id, ok = defaultRoute(m); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoProcessorAvailable, m)
		}
	}
	p, ok := s.processors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s routes to unregistered processor %q", ErrNoProcessorAvailable, m, id)
	}
	return p, nil
}

// ByName resolves the processor that handled an existing payment.
func (s *Selector) ByName(provider string) (Processor, error) {
	p, ok := s.processors[ProcessorID(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProcessorAvailable, provider)
	}
	return p, nil
}

// ParseRoutes reads overrides in the form "PSE=mercadopago,EFECTY=direct".
func ParseRoutes(raw string) (map[PaymentMethod]ProcessorID, error) {
	routes := map[PaymentMethod]ProcessorID{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid route %q: want METHOD=processor", pair)
		}
		method, known := ParseMethod(k)
		if !known {
			return nil, fmt.Errorf("invalid route %q: unknown method", pair)
		}
		id := ProcessorID(strings.ToLower(strings.TrimSpace(v)))
		switch id {
		case ProcessorWompi, ProcessorMercadoPago, ProcessorDirect:
		default:
			return nil, fmt.Errorf("invalid route %q: unknown processor", pair)
		}
		routes[method] = id
	}
	return routes, nil
}

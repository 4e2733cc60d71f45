package rules

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/domain"
)

// DefaultAmountConfidence is the data-quality confidence assigned to computed
// amounts when the engine is not configured otherwise.
const DefaultAmountConfidence = 0.9

// AttendeesSlot is the slot that scales per-person caps.
const AttendeesSlot = "attendees_count"

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// round2 quantizes to cents, half away from zero. Every derived amount goes
// through it so lines reconcile exactly.
func round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// percent converts a policy percentage such as 12 to the fraction 0.12.
func percent(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(hundred)
}

// Amounts is the set of named quantities computed for one receipt.
type Amounts struct {
	Mode       domain.VATMode
	Confidence float64
	values     map[AmountKind]decimal.Decimal
}

// NewAmounts builds an Amounts value from explicit quantities. Kinds not in
// values are absent, and posting rules that reference them are skipped.
func NewAmounts(mode domain.VATMode, confidence float64, values map[AmountKind]decimal.Decimal) Amounts {
	cp := make(map[AmountKind]decimal.Decimal, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Amounts{Mode: mode, Confidence: confidence, values: cp}
}

// Get returns a quantity and whether it was computed.
func (a Amounts) Get(k AmountKind) (decimal.Decimal, bool) {
	v, ok := a.values[k]
	return v, ok
}

// Value returns a quantity, zero if absent.
func (a Amounts) Value(k AmountKind) decimal.Decimal {
	return a.values[k]
}

// MarshalJSON renders every present quantity with two decimals.
func (a Amounts) MarshalJSON() ([]byte, error) {
	out := struct {
		Mode       domain.VATMode    `json:"vat_mode"`
		Confidence float64           `json:"confidence"`
		Values     map[string]string `json:"values"`
	}{Mode: a.Mode, Confidence: a.Confidence, Values: make(map[string]string, len(a.values))}
	for k, v := range a.values {
		out.Values[string(k)] = v.StringFixed(2)
	}
	return json.Marshal(out)
}

// ─── Calculator ─────────────────────────────────────────────────────────────

// Calculator computes Amounts under a policy's VAT rules.
type Calculator struct {
	Confidence float64
}

// Compute derives every amount kind from input. input is gross (VAT
// inclusive) except in reverse-charge mode, where it is the net paid.
func (c Calculator) Compute(input decimal.Decimal, vat VATRules, slots domain.Slots) Amounts {
	var v map[AmountKind]decimal.Decimal
	switch {
	case vat.ReverseCharge:
		v = reverseCharge(input, vat)
	case vat.DeductibleSplit:
		v = deductibleSplit(input, vat, attendees(slots))
	default:
		v = standard(input, vat, attendees(slots))
	}
	return Amounts{Mode: vat.Mode(), Confidence: c.Confidence, values: v}
}

// ComputeAmounts runs a Calculator with the default confidence.
func ComputeAmounts(input decimal.Decimal, vat VATRules, slots domain.Slots) Amounts {
	return Calculator{Confidence: DefaultAmountConfidence}.Compute(input, vat, slots)
}

func attendees(slots domain.Slots) decimal.Decimal {
	n := slots.Count(AttendeesSlot, 1)
	if n.IsNegative() {
		return decimal.Zero
	}
	return n
}

// reverseCharge treats input as net. VAT is computed on top and posted as an
// input/output pair, so the cash leg ("gross") stays equal to the net paid.
func reverseCharge(input decimal.Decimal, vat VATRules) map[AmountKind]decimal.Decimal {
	net := round2(input)
	tax := round2(net.Mul(percent(vat.Rate)))
	return map[AmountKind]decimal.Decimal{
		AmountGross:            net,
		AmountNetBeforeCap:     net,
		AmountNetAfterCap:      net,
		AmountVATBeforeCap:     tax,
		AmountVATAllowed:       tax,
		AmountVATExcess:        decimal.Zero,
		AmountDeductibleNet:    decimal.Zero,
		AmountNonDeductibleNet: decimal.Zero,
		AmountVATDeductible:    decimal.Zero,
	}
}

// deductibleSplit splits a VAT-inclusive total into a deductible slice, capped
// at cap_sek_per_person * attendees gross, and a non-deductible remainder.
// The remainder is booked VAT-inclusive since its VAT cannot be reclaimed.
// The deductible slice is split at deductible_rate, falling back to rate.
func deductibleSplit(input decimal.Decimal, vat VATRules, persons decimal.Decimal) map[AmountKind]decimal.Decimal {
	gross := round2(input)
	netBefore := gross.DivRound(one.Add(percent(vat.Rate)), 2)
	vatBefore := gross.Sub(netBefore)
	maxDeductibleGross := round2(decimal.NewFromFloat(vat.CapPerPerson).Mul(persons))

	v := map[AmountKind]decimal.Decimal{
		AmountGross:        gross,
		AmountNetBeforeCap: netBefore,
		AmountNetAfterCap:  netBefore,
		AmountVATBeforeCap: vatBefore,
	}

	if gross.LessThanOrEqual(maxDeductibleGross) {
		v[AmountDeductibleNet] = netBefore
		v[AmountNonDeductibleNet] = decimal.Zero
		v[AmountVATDeductible] = vatBefore
		v[AmountVATAllowed] = vatBefore
		v[AmountVATExcess] = decimal.Zero
		return v
	}

	dedRate := vat.Rate
	if vat.DeductibleRate != nil {
		dedRate = *vat.DeductibleRate
	}
	deductibleNet := maxDeductibleGross.DivRound(one.Add(percent(dedRate)), 2)
	vatDeductible := maxDeductibleGross.Sub(deductibleNet)
	excess := vatBefore.Sub(vatDeductible)
	if excess.IsNegative() {
		excess = decimal.Zero
	}

	v[AmountDeductibleNet] = deductibleNet
	v[AmountNonDeductibleNet] = gross.Sub(maxDeductibleGross)
	v[AmountVATDeductible] = vatDeductible
	v[AmountVATAllowed] = vatDeductible
	v[AmountVATExcess] = excess
	return v
}

// standard splits a VAT-inclusive total into net and VAT. A per-person cap, if
// set, limits the VAT allowed; the excess is folded back into the net.
func standard(input decimal.Decimal, vat VATRules, persons decimal.Decimal) map[AmountKind]decimal.Decimal {
	gross := round2(input)
	netBefore := gross.DivRound(one.Add(percent(vat.Rate)), 2)
	vatBefore := gross.Sub(netBefore)
	maxVATAllowed := round2(decimal.NewFromFloat(vat.CapPerPerson).Mul(persons))

	vatAllowed, netAfter, excess := vatBefore, netBefore, decimal.Zero
	if !maxVATAllowed.IsZero() && vatBefore.GreaterThan(maxVATAllowed) {
		vatAllowed = maxVATAllowed
		netAfter = gross.Sub(vatAllowed)
		excess = vatBefore.Sub(vatAllowed)
	}

	return map[AmountKind]decimal.Decimal{
		AmountGross:            gross,
		AmountNetBeforeCap:     netBefore,
		AmountNetAfterCap:      netAfter,
		AmountVATBeforeCap:     vatBefore,
		AmountVATAllowed:       vatAllowed,
		AmountVATExcess:        excess,
		AmountDeductibleNet:    decimal.Zero,
		AmountNonDeductibleNet: decimal.Zero,
		AmountVATDeductible:    decimal.Zero,
	}
}

// Package bas holds the Swedish BAS chart of accounts (kontoplan).
// A Dataset is one immutable version of the chart; a Registry serves lookups
// against a current dataset and loads alternate versions on demand.
package bas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ledgerflow/autobook/internal/domain"
)

// Account types accepted in a dataset.
const (
	TypeAsset     = "asset"
	TypeLiability = "liability"
	TypeEquity    = "equity"
	TypeIncome    = "income"
	TypeExpense   = "expense"
)

var validTypes = map[string]bool{
	TypeAsset: true, TypeLiability: true, TypeEquity: true, TypeIncome: true, TypeExpense: true,
}

// Account is one BAS account within a dataset version.
type Account struct {
	Number         string      `json:"number"`
	Name           string      `json:"name"`
	AccountClass   string      `json:"account_class"`
	AccountType    string      `json:"account_type"`
	VATHint        *float64    `json:"vat_hint,omitempty"`
	AllowedRegions []string    `json:"allowed_regions"`
	Description    string      `json:"description,omitempty"`
	BASVersion     string      `json:"bas_version,omitempty"`
	EffectiveFrom  domain.Date `json:"effective_from"`
	EffectiveTo    domain.Date `json:"effective_to,omitempty"`
}

// AllowedIn reports whether the account may be used in region. An empty
// allow-list means every region.
func (a Account) AllowedIn(region string) bool {
	if len(a.AllowedRegions) == 0 {
		return true
	}
	for _, r := range a.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// Dataset is an immutable chart-of-accounts version.
type Dataset struct {
	Version       string
	EffectiveFrom domain.Date
	EffectiveTo   domain.Date // zero when open-ended

	accounts map[string]Account
	order    []string
}

// NewDataset builds a dataset from accounts, stamping version metadata onto
// each account. Duplicate or malformed accounts fail the whole dataset.
func NewDataset(version string, from, to domain.Date, accounts []Account) (*Dataset, error) {
	if version == "" {
		return nil, &LoadError{Index: -1, Field: "version", Reason: "is required"}
	}
	if from.IsZero() {
		return nil, &LoadError{Index: -1, Field: "effective_from", Reason: "is required"}
	}
	if !to.IsZero() && to.Before(from) {
		return nil, &LoadError{Index: -1, Field: "effective_to", Reason: "is before effective_from"}
	}
	ds := &Dataset{
		Version:       version,
		EffectiveFrom: from,
		EffectiveTo:   to,
		accounts:      make(map[string]Account, len(accounts)),
		order:         make([]string, 0, len(accounts)),
	}
	for i, acc := range accounts {
		if err := checkAccount(acc); err != nil {
			err.Index = i
			return nil, err
		}
		if _, dup := ds.accounts[acc.Number]; dup {
			return nil, &LoadError{Index: i, Field: "number", Reason: fmt.Sprintf("duplicate account %s", acc.Number)}
		}
		acc.BASVersion = version
		acc.EffectiveFrom = from
		acc.EffectiveTo = to
		ds.accounts[acc.Number] = acc
		ds.order = append(ds.order, acc.Number)
	}
	return ds, nil
}

func checkAccount(acc Account) *LoadError {
	switch {
	case acc.Number == "":
		return &LoadError{Field: "number", Reason: "is required"}
	case !isDigits(acc.Number):
		return &LoadError{Field: "number", Reason: fmt.Sprintf("%q is not numeric", acc.Number)}
	case acc.Name == "":
		return &LoadError{Field: "name", Reason: "is required"}
	case acc.AccountClass == "":
		return &LoadError{Field: "account_class", Reason: "is required"}
	case !validTypes[acc.AccountType]:
		return &LoadError{Field: "account_type", Reason: fmt.Sprintf("unknown type %q", acc.AccountType)}
	case acc.VATHint != nil && (*acc.VATHint < 0 || *acc.VATHint > 100):
		return &LoadError{Field: "vat_hint", Reason: "must be within 0..100"}
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Account returns the account with the given number.
func (d *Dataset) Account(number string) (Account, bool) {
	acc, ok := d.accounts[number]
	return acc, ok
}

// Validate fails closed: unknown accounts and accounts whose allow-list
// excludes region are invalid.
func (d *Dataset) Validate(number, region string) bool {
	acc, ok := d.accounts[number]
	if !ok {
		return false
	}
	return acc.AllowedIn(region)
}

// Accounts returns all accounts in load order.
func (d *Dataset) Accounts() []Account {
	out := make([]Account, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.accounts[n])
	}
	return out
}

// AccountsByClass returns accounts in a two-digit class such as "60".
func (d *Dataset) AccountsByClass(class string) []Account {
	var out []Account
	for _, n := range d.order {
		if acc := d.accounts[n]; acc.AccountClass == class {
			out = append(out, acc)
		}
	}
	return out
}

// AccountsByType returns accounts of one type such as "expense".
func (d *Dataset) AccountsByType(accountType string) []Account {
	var out []Account
	for _, n := range d.order {
		if acc := d.accounts[n]; acc.AccountType == accountType {
			out = append(out, acc)
		}
	}
	return out
}

// Numbers returns the sorted account numbers.
func (d *Dataset) Numbers() []string {
	out := append([]string(nil), d.order...)
	sort.Strings(out)
	return out
}

// Len returns the number of accounts.
func (d *Dataset) Len() int { return len(d.order) }

// ─── JSON Format ────────────────────────────────────────────────────────────

type datasetDoc struct {
	Version       string      `json:"version"`
	EffectiveFrom domain.Date `json:"effective_from"`
	EffectiveTo   domain.Date `json:"effective_to"`
	Accounts      []Account   `json:"accounts"`
}

// Decode parses a dataset document. Any malformed entry fails the whole load;
// no partial dataset is ever returned.
func Decode(data []byte) (*Dataset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc datasetDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Index: -1, Reason: err.Error()}
	}
	if doc.Accounts == nil {
		return nil, &LoadError{Index: -1, Field: "accounts", Reason: "is required"}
	}
	return NewDataset(doc.Version, doc.EffectiveFrom, doc.EffectiveTo, doc.Accounts)
}

// Encode renders the dataset in the format Decode reads.
func Encode(d *Dataset) ([]byte, error) {
	doc := datasetDoc{
		Version:       d.Version,
		EffectiveFrom: d.EffectiveFrom,
		EffectiveTo:   d.EffectiveTo,
		Accounts:      make([]Account, 0, d.Len()),
	}
	for _, acc := range d.Accounts() {
		acc.BASVersion = ""
		acc.EffectiveFrom = domain.Date{}
		acc.EffectiveTo = domain.Date{}
		doc.Accounts = append(doc.Accounts, acc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// LoadError describes the first malformed entry of a dataset.
type LoadError struct {
	Index  int // account index, -1 for dataset-level problems
	Field  string
	Reason string
}

func (e *LoadError) Error() string {
	switch {
	case e.Index >= 0 && e.Field != "":
		return fmt.Sprintf("%s: accounts[%d].%s %s", domain.ErrMalformedChart, e.Index, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("%s: %s %s", domain.ErrMalformedChart, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", domain.ErrMalformedChart, e.Reason)
}

// Unwrap lets callers match domain.ErrMalformedChart.
func (e *LoadError) Unwrap() error { return domain.ErrMalformedChart }

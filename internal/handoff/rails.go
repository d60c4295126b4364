// Package handoff tracks the round trip out to an external wallet
// application: building the destination for a plan's rail, watching for
// the user's return, and collecting the self-reported outcome.
package handoff

import (
	"net/url"
	"strconv"
	"strings"
	"sync"

	"flowpay/internal/common/money"
	"flowpay/internal/resolution"
)

// Method says how a handoff destination opens.
type Method string

const (
	MethodDeeplink Method = "deeplink"
	MethodWeb      Method = "web"
	MethodNone     Method = "none"
)

// Template holds a rail's destination templates. Placeholders {amount},
// {ref} and {merchant} are substituted at initiate time.
type Template struct {
	// AppScheme is the native deep-link template; preferred when set.
	AppScheme string `json:"app_scheme,omitempty"`
	// WebURL is the in-browser fallback template.
	WebURL string `json:"web_url,omitempty"`
}

// Registry maps rails to their destination templates.
type Registry struct {
	mu    sync.RWMutex
	rails map[resolution.RailType]Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rails: make(map[resolution.RailType]Template)}
}

// DefaultRegistry returns a registry with the built-in rail destinations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(resolution.RailWallet, Template{
		AppScheme: "flowwallet://pay?amount={amount}&ref={ref}",
		WebURL:    "https://wallet.flowpay.example/pay?amount={amount}&ref={ref}&merchant={merchant}",
	})
	r.Register(resolution.RailBank, Template{
		WebURL: "https://banking.flowpay.example/transfer?amount={amount}&ref={ref}",
	})
	r.Register(resolution.RailBNPL, Template{
		AppScheme: "bnplpay://checkout?amount={amount}&merchant={merchant}",
		WebURL:    "https://bnpl.flowpay.example/checkout?amount={amount}&merchant={merchant}",
	})
	return r
}

// Register sets the template for a rail, replacing any existing one.
func (r *Registry) Register(rail resolution.RailType, tpl Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[rail] = tpl
}

// Lookup returns the template registered for a rail.
func (r *Registry) Lookup(rail resolution.RailType) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.rails[rail]
	return tpl, ok
}

// Destination builds the concrete URL and method for a rail. A deep link
// wins over the web fallback; a rail with neither yields MethodNone.
func (r *Registry) Destination(rail resolution.RailType, amount money.Money, merchant, reference string) (string, Method) {
	tpl, ok := r.Lookup(rail)
	if !ok {
		return "", MethodNone
	}
	if tpl.AppScheme != "" {
		return expand(tpl.AppScheme, amount, merchant, reference), MethodDeeplink
	}
	if tpl.WebURL != "" {
		return expand(tpl.WebURL, amount, merchant, reference), MethodWeb
	}
	return "", MethodNone
}

func expand(tpl string, amount money.Money, merchant, reference string) string {
	major := strconv.FormatFloat(amount.ToMajor(), 'f', -1, 64)
	out := strings.ReplaceAll(tpl, "{amount}", major)
	out = strings.ReplaceAll(out, "{merchant}", url.QueryEscape(merchant))
	out = strings.ReplaceAll(out, "{ref}", url.QueryEscape(reference))
	return out
}

// Command rates-process is a subprocess plugin that quotes the exchange rate
// of a coin in the active profile's currency.
//
// Build it next to its manifest:
//
//	go build -o plugins/rates-process/plugin ./plugins/rates-process
//
// and copy the directory to <root>/<profile>/plugins/rates-process.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goatkit/walletplug/pkg/plugin"
	"github.com/goatkit/walletplug/pkg/plugin/procutil"
)

const ratesURL = "https://api.coinbase.com/v2/exchange-rates?currency="

type rates struct {
	mu       sync.Mutex
	host     *procutil.Host
	currency string
}

type ratesResponse struct {
	Data struct {
		Rates map[string]string `json:"rates"`
	} `json:"data"`
}

func (r *rates) Run(host *procutil.Host, profile *plugin.ProfileData) error {
	r.host = host
	r.ProfileChanged(profile)
	if !host.Granted(plugin.AccessorHTTP) {
		return errors.New("rates needs the HTTP permission")
	}
	if err := host.RegisterCommand("rate"); err != nil {
		return err
	}
	host.Log("info", "rates plugin ready")
	return nil
}

// ProfileChanged tracks the exchange currency; USD when no profile is granted.
func (r *rates) ProfileChanged(profile *plugin.ProfileData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currency = "USD"
	if profile != nil && profile.ExchangeCurrency != "" {
		r.currency = strings.ToUpper(profile.ExchangeCurrency)
	}
}

// Command handles rate(coin?) and returns {"coin","currency","rate"}.
func (r *rates) Command(name string, args []json.RawMessage) (json.RawMessage, error) {
	if name != "rate" {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	coin := "BTC"
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &coin); err != nil {
			return nil, fmt.Errorf("coin must be a string: %w", err)
		}
	}
	coin = strings.ToUpper(coin)

	resp, err := r.host.Get(ratesURL+coin, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("rates: status %d", resp.StatusCode)
	}
	var body ratesResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("rates: %w", err)
	}

	r.mu.Lock()
	currency := r.currency
	r.mu.Unlock()
	rate, ok := body.Data.Rates[currency]
	if !ok {
		return nil, fmt.Errorf("no %s rate for %s", currency, coin)
	}
	return json.Marshal(map[string]string{"coin": coin, "currency": currency, "rate": rate})
}

func (r *rates) Filter(call plugin.FilterCall) (json.RawMessage, error) {
	return call.Content, nil
}

func main() {
	procutil.Serve(&rates{})
}

/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package payment

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

// URI is a parsed BIP21 payment URI.
type URI struct {
	Prefix      string
	Address     string
	Amount      decimal.Decimal
	Label       string
	Message     string
	RequestURLs []string
}

// BuildURI returns prefix:address?amount=..&label=..&message=..[&r=..&r1=..].
// The merchant name is used as both label and message.
func BuildURI(prefix, address string, amount decimal.Decimal, name string, requestURLs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s?amount=%s&label=%s&message=%s",
		prefix,
		address,
		models.QuantizeCoin(amount).StringFixed(models.CoinDecimalPlaces),
		quote(name),
		quote(name))
	for i, requestURL := range requestURLs {
		b.WriteString("&")
		b.WriteString(requestParam(i))
		b.WriteString("=")
		b.WriteString(requestURL)
	}
	return b.String()
}

// ParseURI parses a URI produced by BuildURI or any BIP21 wallet.
func ParseURI(raw string) (*URI, error) {
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok || prefix == "" {
		return nil, fmt.Errorf("payment uri %q has no scheme", raw)
	}
	address, query, _ := strings.Cut(rest, "?")
	if address == "" {
		return nil, fmt.Errorf("payment uri %q has no address", raw)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid payment uri query: %w", err)
	}

	uri := &URI{
		Prefix:  prefix,
		Address: address,
		Label:   values.Get("label"),
		Message: values.Get("message"),
	}
	if amount := values.Get("amount"); amount != "" {
		if uri.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid payment uri amount %q: %w", amount, err)
		}
	}

	var indexes []int
	for key := range values {
		if idx, ok := requestIndex(key); ok {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		uri.RequestURLs = append(uri.RequestURLs, values.Get(requestParam(idx)))
	}
	return uri, nil
}

func requestParam(idx int) string {
	if idx == 0 {
		return "r"
	}
	return "r" + strconv.Itoa(idx)
}

func requestIndex(key string) (int, bool) {
	if key == "r" {
		return 0, true
	}
	if !strings.HasPrefix(key, "r") {
		return 0, false
	}
	idx, err := strconv.Atoi(key[1:])
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

// quote percent-encodes s with spaces as %20.
func quote(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
